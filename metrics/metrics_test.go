package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/snappy"
	"github.com/prometheus/prometheus/prompb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findMetric(ms []Metric, name string, labels map[string]string) (Metric, bool) {
	for _, m := range ms {
		if m.Name != name {
			continue
		}
		match := true
		for k, v := range labels {
			if m.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			return m, true
		}
	}
	return Metric{}, false
}

func TestRecorder_GatherRunMetrics(t *testing.T) {
	r := NewRecorder()
	now := time.Now()

	r.RunCompleted(false, 90*time.Second)
	r.UnitCompleted("base", "succeeded", time.Second)
	r.UnitCompleted("app", "failed", 2*time.Second)
	r.UnitCompleted("extras", "skipped", 0)
	r.RollbackExecuted(3, 1)
	r.BreakerTransition("pkg-mirror", "open")

	ms, err := r.Gather(now)
	require.NoError(t, err)

	runs, ok := findMetric(ms, "runs_total", map[string]string{"result": "failure"})
	require.True(t, ok)
	assert.Equal(t, 1.0, runs.Value)
	assert.Equal(t, now, runs.Timestamp)

	duration, ok := findMetric(ms, "run_duration_seconds", nil)
	require.True(t, ok)
	assert.Equal(t, 90.0, duration.Value)

	failed, ok := findMetric(ms, "units_total", map[string]string{"status": "failed"})
	require.True(t, ok)
	assert.Equal(t, 1.0, failed.Value)

	undone, ok := findMetric(ms, "rollback_actions_total", nil)
	require.True(t, ok)
	assert.Equal(t, 3.0, undone.Value)

	transitions, ok := findMetric(ms, "breaker_transitions_total",
		map[string]string{"key": "pkg-mirror", "to": "open"})
	require.True(t, ok)
	assert.Equal(t, 1.0, transitions.Value)
}

func TestClient_PushMetrics(t *testing.T) {
	var captured prompb.WriteRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Equal(t, "snappy", req.Header.Get("Content-Encoding"))
		assert.Equal(t, "application/x-protobuf", req.Header.Get("Content-Type"))
		assert.Equal(t, "/api/v1/write", req.URL.Path)

		body, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		raw, err := snappy.Decode(nil, body)
		require.NoError(t, err)
		require.NoError(t, proto.Unmarshal(raw, &captured))

		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	c := NewClient(server.URL,
		WithPrefix("convoke"),
		WithJob("convoke"),
		WithInstance("host-1"))

	err := c.PushMetrics(context.Background(), Metric{
		Name:      "runs_total",
		Value:     1,
		Labels:    map[string]string{"result": "success"},
		Timestamp: time.UnixMilli(1700000000000),
	})
	require.NoError(t, err)

	require.Len(t, captured.Timeseries, 1)
	ts := captured.Timeseries[0]

	labels := make(map[string]string, len(ts.Labels))
	for _, l := range ts.Labels {
		labels[l.Name] = l.Value
	}
	assert.Equal(t, "convoke_runs_total", labels["__name__"])
	assert.Equal(t, "success", labels["result"])
	assert.Equal(t, "convoke", labels["job"])
	assert.Equal(t, "host-1", labels["instance"])

	require.Len(t, ts.Samples, 1)
	assert.Equal(t, 1.0, ts.Samples[0].Value)
	assert.Equal(t, int64(1700000000000), ts.Samples[0].Timestamp)
}

func TestClient_PushMetricsServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "remote write disabled", http.StatusForbidden)
	}))
	defer server.Close()

	c := NewClient(server.URL)
	err := c.PushMetrics(context.Background(), Metric{Name: "runs_total", Value: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestClient_PushNoMetricsIsNoop(t *testing.T) {
	c := NewClient("http://unreachable.invalid")
	assert.NoError(t, c.PushMetrics(context.Background()))
}
