// Package reload implements the Reload Watcher (§4.7): observes the proxy
// file and submits parsed upstream sets to the Pool Registry. Grounded on the
// teacher's config.Load fsnotify.WatchConfig + debounce pattern
// (internal/config/config.go), adapted from viper's config-file watch to a
// plain text proxy-list file, with a stat-poll fallback used when an
// fsnotify watch cannot be created or added to the file. Polling does not
// run alongside a working fsnotify watch.
package reload

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/core/ports"
	"github.com/pgproxy/gateway/internal/logger"
)

const (
	DefaultDebounce  = 500 * time.Millisecond
	DefaultPollEvery = 5 * time.Second
)

// Watcher implements ports.ReloadWatcher.
type Watcher struct {
	path     string
	registry ports.PoolRegistry
	metrics  ports.MetricsSink
	logger   *logger.StyledLogger

	debounce  time.Duration
	pollEvery time.Duration

	mu         sync.Mutex
	lastReload time.Time
	lastModTime time.Time

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds a Watcher over path. Start performs the synchronous initial
// load before its background watch loop begins.
func New(path string, registry ports.PoolRegistry, metrics ports.MetricsSink, log *logger.StyledLogger) (*Watcher, error) {
	w := &Watcher{
		path:      path,
		registry:  registry,
		metrics:   metrics,
		logger:    log,
		debounce:  DefaultDebounce,
		pollEvery: DefaultPollEvery,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	return w, nil
}

// Start performs the initial load then watches for changes until Stop or ctx
// cancellation (§4.7).
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.reload(ctx); err != nil {
		return fmt.Errorf("initial proxy file load: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		// fsnotify unavailable (e.g. sandboxed environments); fall back to
		// stat-polling only, per §4.7's "stat-based polling... is sufficient".
		if w.logger != nil {
			w.logger.Warn("fsnotify unavailable, falling back to stat polling", "error", err)
		}
		go w.pollLoop(ctx)
		return nil
	}
	w.watcher = fw

	if err := fw.Add(w.path); err != nil {
		if w.logger != nil {
			w.logger.Warn("fsnotify add failed, falling back to stat polling", "path", w.path, "error", err)
		}
		_ = fw.Close()
		w.watcher = nil
		go w.pollLoop(ctx)
		return nil
	}

	go w.watchLoop(ctx)
	return nil
}

// Stop halts the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop(ctx context.Context) error {
	close(w.stopCh)
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.maybeReload(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			if w.logger != nil {
				w.logger.Warn("fsnotify error", "error", err)
			}
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue
			}
			w.mu.Lock()
			changed := info.ModTime().After(w.lastModTime)
			w.mu.Unlock()
			if changed {
				w.maybeReload(ctx)
			}
		}
	}
}

func (w *Watcher) maybeReload(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	if now.Sub(w.lastReload) < w.debounce {
		w.mu.Unlock()
		return
	}
	w.lastReload = now
	w.mu.Unlock()

	if err := w.reload(ctx); err != nil {
		if w.logger != nil {
			w.logger.Warn("proxy file reload failed", "phase", domain.PhaseReload, "path", w.path, "error", err)
		}
		if w.metrics != nil {
			w.metrics.IncReloadParseErrors()
		}
	}
}

// reload reads, parses and submits the proxy file (§4.7). A parse error
// leaves the current snapshot untouched.
func (w *Watcher) reload(ctx context.Context) error {
	identities, err := ParseFile(w.path)
	if err != nil {
		return err
	}

	if _, err := w.registry.Replace(ctx, identities); err != nil {
		return fmt.Errorf("submit parsed upstreams: %w", err)
	}

	if info, statErr := os.Stat(w.path); statErr == nil {
		w.mu.Lock()
		w.lastModTime = info.ModTime()
		w.mu.Unlock()
	}
	return nil
}

// ParseFile reads path and parses one upstream identity per non-blank,
// non-comment line (§6: "UTF-8 text; one URL per line in
// scheme://[user[:pass]@]host:port form"). Duplicates are removed, keeping
// the first occurrence's order.
func ParseFile(path string) ([]domain.Identity, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &domain.ReloadParseError{Path: path, Err: err}
	}
	defer f.Close()

	var identities []domain.Identity
	seen := make(map[string]struct{})

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		id, err := ParseLine(line)
		if err != nil {
			return nil, &domain.ReloadParseError{Path: path, Line: lineNo, Err: err}
		}

		key := id.String()
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		identities = append(identities, id)
	}
	if err := scanner.Err(); err != nil {
		return nil, &domain.ReloadParseError{Path: path, Err: err}
	}

	return identities, nil
}

// ParseLine parses one scheme://[user[:pass]@]host:port line into an Identity.
func ParseLine(line string) (domain.Identity, error) {
	schemeSep := strings.Index(line, "://")
	if schemeSep < 0 {
		return domain.Identity{}, fmt.Errorf("missing scheme in %q", line)
	}
	scheme := line[:schemeSep]
	rest := line[schemeSep+3:]

	var username, password string
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		userinfo := rest[:at]
		rest = rest[at+1:]
		if colon := strings.Index(userinfo, ":"); colon >= 0 {
			username = userinfo[:colon]
			password = userinfo[colon+1:]
		} else {
			username = userinfo
		}
	}

	host, port, err := splitHostPort(rest)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("invalid host:port in %q: %w", line, err)
	}

	return domain.Identity{
		Scheme:   scheme,
		Host:     host,
		Port:     port,
		Username: username,
		Password: password,
	}, nil
}

func splitHostPort(hostport string) (host, port string, err error) {
	colon := strings.LastIndex(hostport, ":")
	if colon < 0 {
		return "", "", fmt.Errorf("no port specified")
	}
	host = hostport[:colon]
	port = hostport[colon+1:]
	if host == "" || port == "" {
		return "", "", fmt.Errorf("empty host or port")
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", "", fmt.Errorf("non-numeric port %q", port)
	}
	return host, port, nil
}
