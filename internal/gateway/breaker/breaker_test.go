package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgproxy/gateway/internal/core/domain"
)

func newTestRecord() *domain.UpstreamRecord {
	return domain.NewUpstreamRecord(domain.Identity{
		Scheme: "http",
		Host:   "10.0.0.1",
		Port:   "8080",
	}, 1)
}

func TestAllow_ClosedRecordIsAllowed(t *testing.T) {
	record := newTestRecord()
	cfg := DefaultConfig()

	assert.True(t, Allow(record, cfg, time.Now()))
}

func TestAllow_OpenRecordIsNotAllowedUntilOpenDurationElapses(t *testing.T) {
	record := newTestRecord()
	cfg := Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	now := time.Now()

	RecordOutcome(record, cfg, false, now)

	assert.False(t, Allow(record, cfg, now.Add(time.Second)))
	assert.True(t, Allow(record, cfg, now.Add(31*time.Second)), "should transition to half-open once open_duration elapses")
}

func TestAdmitProbe_ClosedRecordsNeedNoTicket(t *testing.T) {
	record := newTestRecord()
	assert.True(t, AdmitProbe(record))
}

func TestAdmitProbe_HalfOpenSingleAdmission(t *testing.T) {
	record := newTestRecord()
	cfg := Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	now := time.Now()

	RecordOutcome(record, cfg, false, now)
	require.True(t, Allow(record, cfg, now.Add(31*time.Second)))

	assert.True(t, AdmitProbe(record), "first probe should be admitted")
	assert.False(t, AdmitProbe(record), "second concurrent probe must be rejected")

	ReleaseProbe(record)
	assert.True(t, AdmitProbe(record), "slot should free up after ReleaseProbe")
}

func TestRecordOutcome_SuccessClosesBreaker(t *testing.T) {
	record := newTestRecord()
	cfg := Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	now := time.Now()

	RecordOutcome(record, cfg, false, now)
	require.True(t, Allow(record, cfg, now.Add(31*time.Second)))
	require.True(t, AdmitProbe(record))

	RecordOutcome(record, cfg, true, now.Add(32*time.Second))

	sub, _ := record.Breaker().Snapshot()
	assert.Equal(t, domain.BreakerClosed, sub)
	assert.True(t, AdmitProbe(record), "closed record needs no admission ticket")
}

func TestRecordOutcome_FailureReopensFromHalfOpen(t *testing.T) {
	record := newTestRecord()
	cfg := Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	now := time.Now()

	RecordOutcome(record, cfg, false, now)
	require.True(t, Allow(record, cfg, now.Add(31*time.Second)))
	require.True(t, AdmitProbe(record))

	RecordOutcome(record, cfg, false, now.Add(32*time.Second))

	sub, _ := record.Breaker().Snapshot()
	assert.Equal(t, domain.BreakerOpen, sub)
	assert.False(t, Allow(record, cfg, now.Add(33*time.Second)))
}

func TestOldestOpenedAt_PrefersEarlierOpen(t *testing.T) {
	cfg := Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	earlier := newTestRecord()
	later := newTestRecord()
	now := time.Now()

	RecordOutcome(earlier, cfg, false, now)
	RecordOutcome(later, cfg, false, now.Add(10*time.Second))

	assert.True(t, OldestOpenedAt(earlier).Before(OldestOpenedAt(later)))
}
