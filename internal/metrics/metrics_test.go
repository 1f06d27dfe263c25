package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nil)

	assert.NotNil(t, collector.Registry())
	assert.NotNil(t, collector.tasksAcquired)
	assert.NotNil(t, collector.tasksLostRace)
	assert.NotNil(t, collector.tasksCompleted)
	assert.NotNil(t, collector.deliveryFailures)
	assert.NotNil(t, collector.taskDuration)
	assert.NotNil(t, collector.tasksRunning)
	assert.NotNil(t, collector.heartbeats)
	assert.NotNil(t, collector.reconnects)
	assert.NotNil(t, collector.upgradeAttempts)
	assert.NotNil(t, collector.lifecycleState)
}

func TestTaskCounters(t *testing.T) {
	collector := NewCollector(nil)

	collector.RecordAcquired()
	collector.RecordAcquired()
	collector.RecordLostRace()
	collector.RecordCompleted("SUCCESS", 20*time.Millisecond)
	collector.RecordCompleted("FAILURE", time.Second)
	collector.RecordDeliveryFailed()
	collector.SetRunningTasks(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.tasksAcquired))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksLostRace))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksCompleted.WithLabelValues("SUCCESS")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.tasksCompleted.WithLabelValues("FAILURE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.deliveryFailures))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.tasksRunning))
}

func TestLinkAndUpgradeCounters(t *testing.T) {
	collector := NewCollector(nil)

	collector.RecordHeartbeat(nil)
	collector.RecordHeartbeat(errors.New("unavailable"))
	collector.RecordHeartbeat(errors.New("unavailable"))
	collector.RecordReconnect()
	collector.RecordUpgrade(UpgradeAborted)
	collector.SetLifecycleState(3)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.heartbeats.WithLabelValues("ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collector.heartbeats.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.upgradeAttempts.WithLabelValues(UpgradeAborted)))
	assert.Equal(t, 3.0, testutil.ToFloat64(collector.lifecycleState))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordAcquired()
		collector.RecordLostRace()
		collector.RecordCompleted("SUCCESS", time.Second)
		collector.RecordDeliveryFailed()
		collector.SetRunningTasks(1)
		collector.RecordHeartbeat(nil)
		collector.RecordReconnect()
		collector.RecordUpgrade(UpgradeUpgraded)
		collector.SetLifecycleState(0)
	})
}

func TestCollectorIsolation(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NotNil(t, NewCollector(reg))

	assert.Panics(t, func() {
		NewCollector(reg)
	}, "registering twice on one registry should panic")

	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
	})
}

func TestConcurrentMetricUpdates(t *testing.T) {
	collector := NewCollector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.RecordAcquired()
			collector.RecordCompleted("SUCCESS", 100*time.Millisecond)
			collector.SetRunningTasks(5)
		}()
	}
	wg.Wait()

	assert.Equal(t, 100.0, testutil.ToFloat64(collector.tasksAcquired))
}

func TestHandlerExposesMetrics(t *testing.T) {
	collector := NewCollector(nil)
	collector.RecordAcquired()

	srv := httptest.NewServer(collector.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "delegate_tasks_acquired_total 1")
}
