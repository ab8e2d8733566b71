package logger

import (
	"fmt"
	"log/slog"

	"github.com/pterm/pterm"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/theme"
)

// StyledLogger wraps slog.Logger with theme-aware formatting methods for the
// handful of messages worth colouring on a terminal: upstream identities and
// health transitions. Everything else goes through the plain slog methods.
type StyledLogger struct {
	logger *slog.Logger
	theme  *theme.Theme
}

// NewStyledLogger creates a new styled logger with the given theme.
func NewStyledLogger(logger *slog.Logger, theme *theme.Theme) *StyledLogger {
	return &StyledLogger{
		logger: logger,
		theme:  theme,
	}
}

func (sl *StyledLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

func (sl *StyledLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

func (sl *StyledLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

func (sl *StyledLogger) Error(msg string, args ...any) {
	sl.logger.Error(msg, args...)
}

// InfoWithCount appends a styled "(n)" suffix, used for pool-size/removed-count messages.
func (sl *StyledLogger) InfoWithCount(msg string, count int, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Muted.Sprint("(", count, ")"))
	sl.logger.Info(styledMsg, args...)
}

// InfoWithUpstream colours the upstream identity in an otherwise plain message.
func (sl *StyledLogger) InfoWithUpstream(msg string, identity string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(identity))
	sl.logger.Info(styledMsg, args...)
}

func (sl *StyledLogger) WarnWithUpstream(msg string, identity string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(identity))
	sl.logger.Warn(styledMsg, args...)
}

func (sl *StyledLogger) ErrorWithUpstream(msg string, identity string, args ...any) {
	styledMsg := fmt.Sprintf("%s %s", msg, sl.theme.Highlight.Sprint(identity))
	sl.logger.Error(styledMsg, args...)
}

// InfoHealthTransition logs an upstream's health state change with colour
// matched to the new state.
func (sl *StyledLogger) InfoHealthTransition(msg string, identity string, state domain.HealthState, args ...any) {
	var statusText string
	switch state {
	case domain.HealthHealthy:
		statusText = sl.theme.Success.Sprint(string(state))
	case domain.HealthUnhealthy:
		statusText = pterm.NewStyle(sl.theme.Danger, pterm.Bold).Sprint(string(state))
	default:
		statusText = sl.theme.Muted.Sprint(string(state))
	}
	styledMsg := fmt.Sprintf("%s %s is %s",
		msg, sl.theme.Highlight.Sprint(identity), statusText)
	sl.logger.Info(styledMsg, args...)
}

// GetUnderlying returns the underlying slog.Logger for cases where direct access is needed.
func (sl *StyledLogger) GetUnderlying() *slog.Logger {
	return sl.logger
}

// WithAttrs creates a new StyledLogger with additional structured attributes.
func (sl *StyledLogger) WithAttrs(attrs ...slog.Attr) *StyledLogger {
	args := make([]any, 0, len(attrs)*2)
	for _, attr := range attrs {
		args = append(args, attr.Key, attr.Value)
	}

	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// With creates a new StyledLogger with additional key-value pairs.
func (sl *StyledLogger) With(args ...any) *StyledLogger {
	return &StyledLogger{
		logger: sl.logger.With(args...),
		theme:  sl.theme,
	}
}

// NewWithTheme creates both a regular logger and a styled logger.
func NewWithTheme(cfg *Config) (*slog.Logger, *StyledLogger, func(), error) {
	logger, cleanup, err := New(cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	appTheme := theme.GetTheme(cfg.Theme)
	styledLogger := NewStyledLogger(logger, appTheme)

	return logger, styledLogger, cleanup, nil
}
