package selector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pgproxy/gateway/internal/core/domain"
	"github.com/pgproxy/gateway/internal/gateway/breaker"
	"github.com/pgproxy/gateway/internal/gateway/sticky"
)

func upstream(host string) *domain.UpstreamRecord {
	r := domain.NewUpstreamRecord(domain.Identity{Scheme: "http", Host: host, Port: "8080"}, 1)
	r.SetHealth(domain.HealthHealthy)
	return r
}

func TestSelect_NoUpstreamsReturnsError(t *testing.T) {
	sel := New(nil, breaker.DefaultConfig(), 0)
	_, err := sel.Select(context.Background(), "client-1", &domain.Snapshot{}, time.Now())
	assert.ErrorIs(t, err, domain.ErrNoUpstreamAvailable)
}

func TestSelect_SkipsIneligibleUpstreams(t *testing.T) {
	healthy := upstream("10.0.0.1")
	unhealthy := upstream("10.0.0.2")
	unhealthy.SetHealth(domain.HealthUnhealthy)

	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{healthy, unhealthy}}
	sel := New(nil, breaker.DefaultConfig(), 0)

	for i := 0; i < 5; i++ {
		chosen, err := sel.Select(context.Background(), "", snapshot, time.Now())
		require.NoError(t, err)
		assert.Equal(t, healthy.Identity, chosen.Identity)
	}
}

func TestSelect_RoundRobinsAcrossEligibleUpstreams(t *testing.T) {
	a := upstream("10.0.0.1")
	b := upstream("10.0.0.2")
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{a, b}}
	sel := New(nil, breaker.DefaultConfig(), 0)

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		chosen, err := sel.Select(context.Background(), "", snapshot, time.Now())
		require.NoError(t, err)
		seen[chosen.Identity.String()]++
	}

	assert.Equal(t, 2, seen[a.Identity.String()])
	assert.Equal(t, 2, seen[b.Identity.String()])
}

func TestSelect_StickyBindingIsHonored(t *testing.T) {
	a := upstream("10.0.0.1")
	b := upstream("10.0.0.2")
	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{a, b}}

	store := sticky.New()
	defer store.Stop()

	sel := New(store, breaker.DefaultConfig(), time.Minute)
	now := time.Now()

	first, err := sel.Select(context.Background(), "client-1", snapshot, now)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		again, err := sel.Select(context.Background(), "client-1", snapshot, now.Add(time.Second))
		require.NoError(t, err)
		assert.Equal(t, first.Identity, again.Identity, "sticky client should keep the same upstream")
	}
}

func TestSelect_OnlyOneHalfOpenRecordAdmittedPerWindow(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: 30 * time.Second, ProbationWindow: 2 * time.Second}
	older := upstream("10.0.0.1")
	newer := upstream("10.0.0.2")
	now := time.Now()

	breaker.RecordOutcome(older, cfg, false, now)
	breaker.RecordOutcome(newer, cfg, false, now.Add(5*time.Second))

	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{older, newer}}
	sel := New(nil, cfg, 0)

	chosen, err := sel.Select(context.Background(), "", snapshot, now.Add(40*time.Second))
	require.NoError(t, err)
	assert.Equal(t, older.Identity, chosen.Identity, "the oldest-opened half-open record should be preferred")
}

func TestSelect_DoesNotLeakHalfOpenSlotWhenPickChoosesClosedCandidate(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: time.Millisecond, ProbationWindow: 2 * time.Second}
	closedRecord := upstream("10.0.0.1")
	halfOpenRecord := upstream("10.0.0.2")

	now := time.Now()
	breaker.RecordOutcome(halfOpenRecord, cfg, false, now)
	probeTime := now.Add(time.Second) // past OpenDuration: Select advances Open -> HalfOpen

	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{closedRecord, halfOpenRecord}}
	sel := New(nil, cfg, 0)

	chosen, err := sel.Select(context.Background(), "", snapshot, probeTime)
	require.NoError(t, err)
	assert.Equal(t, closedRecord.Identity, chosen.Identity, "round robin's first pick should be the lexically-first closed candidate")

	assert.True(t, breaker.AdmitProbe(halfOpenRecord),
		"the half-open slot must remain unclaimed when pick() hands out a different candidate")
}

func TestSelect_StickyPathClaimsHalfOpenSlotOnlyOnce(t *testing.T) {
	cfg := breaker.Config{FailureThreshold: 1, OpenDuration: time.Millisecond, ProbationWindow: 2 * time.Second}
	record := upstream("10.0.0.1")

	now := time.Now()
	breaker.RecordOutcome(record, cfg, false, now)
	probeTime := now.Add(time.Second)

	snapshot := &domain.Snapshot{Version: 1, Upstreams: []*domain.UpstreamRecord{record}}

	store := sticky.New()
	defer store.Stop()
	store.Bind("client-1", record.Identity.String(), time.Minute, probeTime)
	store.Bind("client-2", record.Identity.String(), time.Minute, probeTime)

	sel := New(store, cfg, time.Minute)

	_, err1 := sel.Select(context.Background(), "client-1", snapshot, probeTime)
	_, err2 := sel.Select(context.Background(), "client-2", snapshot, probeTime)

	successes := 0
	if err1 == nil {
		successes++
	}
	if err2 == nil {
		successes++
	}
	assert.Equal(t, 1, successes, "only one sticky client may claim the half-open probe slot at a time")
}
