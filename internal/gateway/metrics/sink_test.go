package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestIncRequests_IncrementsByResult(t *testing.T) {
	s := New()
	s.IncRequests("success")
	s.IncRequests("success")
	s.IncRequests("failure")

	assert.Equal(t, float64(2), testutil.ToFloat64(s.requestsTotal.WithLabelValues("success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(s.requestsTotal.WithLabelValues("failure")))
}

func TestAddBytes_IgnoresNonPositive(t *testing.T) {
	s := New()
	s.AddBytesUp(100)
	s.AddBytesUp(-5)
	s.AddBytesUp(0)

	assert.Equal(t, float64(100), testutil.ToFloat64(s.bytesUpTotal))
}

func TestSetBreakerOpen_TracksPerUpstream(t *testing.T) {
	s := New()
	s.SetBreakerOpen("http://10.0.0.1:8080", true)
	s.SetBreakerOpen("http://10.0.0.2:8080", false)

	assert.Equal(t, float64(1), testutil.ToFloat64(s.breakerOpen.WithLabelValues("http://10.0.0.1:8080")))
	assert.Equal(t, float64(0), testutil.ToFloat64(s.breakerOpen.WithLabelValues("http://10.0.0.2:8080")))
}

func TestSetPoolSizeAndHealthy(t *testing.T) {
	s := New()
	s.SetPoolSize(5)
	s.SetPoolHealthy(3)

	assert.Equal(t, float64(5), testutil.ToFloat64(s.poolSize))
	assert.Equal(t, float64(3), testutil.ToFloat64(s.poolHealthy))
}

func TestIncReloadParseErrors(t *testing.T) {
	s := New()
	s.IncReloadParseErrors()
	s.IncReloadParseErrors()

	assert.Equal(t, float64(2), testutil.ToFloat64(s.reloadParseErrors))
}
