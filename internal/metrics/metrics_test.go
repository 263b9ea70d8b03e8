package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, reg := newTestCollector(t)
	assert.NotNil(t, c)

	// Registering twice on the same registry panics.
	assert.Panics(t, func() { NewCollector(reg) })
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector(t)

	c.RecordSubmission("assigned")
	c.RecordSubmission("queued")
	c.RecordSubmission("queued")
	c.RecordAssignment("u1")
	c.RecordRejected("u1")
	c.RecordRace("u1")
	c.RecordRace("u1")
	c.RecordEscalation("sla_breach")
	c.RecordNotificationFailure()
	c.RecordRateLimitDenial("comment-create")
	c.RecordInvariantViolation()

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"assigned submissions", testutil.ToFloat64(c.submissions.WithLabelValues("assigned")), 1},
		{"queued submissions", testutil.ToFloat64(c.submissions.WithLabelValues("queued")), 2},
		{"assignments", testutil.ToFloat64(c.assignmentsCreated.WithLabelValues("u1")), 1},
		{"rejected", testutil.ToFloat64(c.reservationsRejected.WithLabelValues("u1")), 1},
		{"races", testutil.ToFloat64(c.queueRaces.WithLabelValues("u1")), 2},
		{"escalations", testutil.ToFloat64(c.escalations.WithLabelValues("sla_breach")), 1},
		{"notification failures", testutil.ToFloat64(c.notificationFailures), 1},
		{"denials", testutil.ToFloat64(c.rateLimitDenials.WithLabelValues("comment-create")), 1},
		{"invariant violations", testutil.ToFloat64(c.invariantViolations), 1},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, tt.name)
	}
}

func TestPassAndGauges(t *testing.T) {
	c, reg := newTestCollector(t)

	for _, d := range []float64{0.001, 0.01, 0.1, 1.0} {
		c.RecordPass("u1", d)
	}
	c.SetQueueDepth("u1", 7)
	c.SetQueueDepth("u1", 3)
	c.SetUnitWIP("u1", 5)

	assert.Equal(t, float64(4), testutil.ToFloat64(c.dispatchPasses.WithLabelValues("u1")))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.queueDepth.WithLabelValues("u1")))
	assert.Equal(t, float64(5), testutil.ToFloat64(c.unitWIP.WithLabelValues("u1")))

	count, err := testutil.GatherAndCount(reg, "scheduler_dispatch_pass_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHandler(t *testing.T) {
	c, reg := newTestCollector(t)
	c.RecordSubmission("queued")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `scheduler_submissions_total{outcome="queued"} 1`))
}
