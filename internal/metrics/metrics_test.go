package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCompile(nil)
	m.ObserveCacheLookup("hit")
	m.ObserveTransform("p", time.Millisecond, "trap")
}

func TestObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveCompile(nil)
	m.ObserveCompile(errors.New("bad"))
	m.ObserveCompile(errors.New("bad"))
	m.ObserveCacheLookup("hit")
	m.ObserveTransform("rewrite", 2*time.Millisecond, "")
	m.ObserveTransform("rewrite", time.Millisecond, "guest_trap")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.compiles.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.compiles.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transformFailures.WithLabelValues("rewrite", "guest_trap")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.transformDuration))
}
