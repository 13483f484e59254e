package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	before := testutil.ToFloat64(CyclesTotal.WithLabelValues("started"))
	CyclesTotal.WithLabelValues("started").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(CyclesTotal.WithLabelValues("started")))

	QueueDepth.WithLabelValues("persistent").Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(QueueDepth.WithLabelValues("persistent")))
}
