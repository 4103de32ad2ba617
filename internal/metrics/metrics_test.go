package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m)

	m.ConnectionsTotal.Inc()
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ConnectionsTotal))
}

func TestObservePublishRecordsErrorSeparatelyFromLatency(t *testing.T) {
	m := New()

	m.ObservePublish(time.Now(), errors.New("boom"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.BrokerPublishErrors))

	m.ObservePublish(time.Now().Add(-time.Millisecond), nil)
	assert.Equal(t, uint64(1), testutil.CollectAndCount(m.BrokerPublishLatency))
}
