package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg)
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func TestNewCollector(t *testing.T) {
	c := newTestCollector(t)
	require.NotNil(t, c)
	assert.NotNil(t, c.tasksAdded)
	assert.NotNil(t, c.tasksSucceeded)
	assert.NotNil(t, c.tasksErrored)
	assert.NotNil(t, c.tasksExcepted)
	assert.NotNil(t, c.tasksStopped)
	assert.NotNil(t, c.taskDuration)
	assert.NotNil(t, c.tasksActive)
	assert.NotNil(t, c.coordinatorUp)
}

func TestCollectorCounters(t *testing.T) {
	c := newTestCollector(t)

	c.TaskAdded()
	c.TaskAdded()
	assert.Equal(t, float64(2), counterValue(t, c.tasksAdded))

	c.TaskSucceeded(10 * time.Millisecond)
	assert.Equal(t, float64(1), counterValue(t, c.tasksSucceeded))

	c.TaskErrored(5 * time.Millisecond)
	assert.Equal(t, float64(1), counterValue(t, c.tasksErrored))

	c.TaskExcepted(5 * time.Millisecond)
	assert.Equal(t, float64(1), counterValue(t, c.tasksExcepted))

	c.TaskStopped()
	assert.Equal(t, float64(1), counterValue(t, c.tasksStopped))
}

func TestCollectorGauges(t *testing.T) {
	c := newTestCollector(t)

	c.SetActive(3)
	assert.Equal(t, float64(3), gaugeValue(t, c.tasksActive))

	c.SetCoordinatorUp(true)
	assert.Equal(t, float64(1), gaugeValue(t, c.coordinatorUp))

	c.SetCoordinatorUp(false)
	assert.Equal(t, float64(0), gaugeValue(t, c.coordinatorUp))
}

func TestCollectorDoesNotPanicUnderConcurrentUse(t *testing.T) {
	c := newTestCollector(t)
	done := make(chan struct{})
	for i := 0; i < 4; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 50; j++ {
				c.TaskAdded()
				c.TaskSucceeded(time.Millisecond)
				c.SetActive(j)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}
}
