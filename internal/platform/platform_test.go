package platform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSampleReturnsSaneValues(t *testing.T) {
	s := NewSampler()
	snap := s.Sample()

	assert.Greater(t, snap.Goroutines, 0)
	assert.GreaterOrEqual(t, snap.HeapAllocMB, 0.0)
	assert.GreaterOrEqual(t, snap.HeapSysMB, 0.0)
	assert.GreaterOrEqual(t, snap.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, snap.UptimeSecs, 0.0)
}

func TestSampleUptimeDoesNotDecreaseAcrossCalls(t *testing.T) {
	s := NewSampler()
	first := s.Sample()
	time.Sleep(10 * time.Millisecond)
	second := s.Sample()

	assert.GreaterOrEqual(t, second.UptimeSecs, first.UptimeSecs)
}
