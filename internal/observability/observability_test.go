package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_StructuredFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("ndnstream-test", "v0", &buf).WithComponent("transport")
	l.FetchCompleted("/a/b", "completed", 1000, 8000, 2*time.Second)

	var ev map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &ev))
	assert.Equal(t, "fetch completed", ev["message"])
	assert.Equal(t, "transport", ev["component"])
	assert.Equal(t, "/a/b", ev["object"])
	assert.Equal(t, float64(2), ev["elapsed_seconds"])
}

func TestLogger_SetLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("svc", "v0", &buf).SetLevel("warn")
	l.Info("hidden")
	l.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestMetrics_NilSafeAndCounting(t *testing.T) {
	var none *Metrics
	none.RecordInterest("chunk")
	none.FetchFinished("completed", time.Second)

	m := NewMetrics()
	m.RecordInterest("chunk")
	m.RecordInterest("chunk")
	m.RecordInterest("manifest")
	m.FetchStarted()
	m.FetchFinished("completed", time.Second)
	m.RecordRelayInterest("hit")

	// a second instance must not collide on registration
	other := NewMetrics()
	assert.NotSame(t, m.Registry(), other.Registry())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `ndnstream_interests_sent_total{kind="chunk"} 2`), body)
	assert.True(t, strings.Contains(body, "ndnstream_fetches_active 0"))
	assert.True(t, strings.Contains(body, `ndnstream_relay_interests_total{result="hit"} 1`))
}

func TestHealthChecker_WorstStatusWins(t *testing.T) {
	hc := NewHealthChecker("v0")
	hc.RegisterCheck("quic", QUICListenerCheck(":6363"))
	hc.RegisterCheck("db", PingCheck("sqlite", time.Second, func(context.Context) error { return nil }))
	hc.RegisterCheck("stream", StreamCheck(func() (string, bool, bool) { return "main", true, false }))

	resp := hc.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, resp.Status)
	assert.Len(t, resp.Checks, 3)

	hc.RegisterCheck("store", PingCheck("bolt", time.Second, func(context.Context) error { return errors.New("closed") }))
	assert.Equal(t, HealthStatusUnhealthy, hc.Check(context.Background()).Status)
}
