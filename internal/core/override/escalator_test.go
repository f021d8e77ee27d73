package override

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurudeen19/rag-fortress-sub002/internal/config"
	"github.com/nurudeen19/rag-fortress-sub002/internal/core/clock"
	"github.com/nurudeen19/rag-fortress-sub002/internal/logger"
	"github.com/nurudeen19/rag-fortress-sub002/internal/models"
)

var escalation = config.EscalationPolicy{Threshold: 3, Window: time.Hour, GrantDuration: 24 * time.Hour}

func newEscalator(t *testing.T, policy config.EscalationPolicy) (*Escalator, *Workflow, *clock.FakeClock, *logger.TestLogger) {
	t.Helper()
	w, _, clk := newWorkflow(t, nil)
	log := logger.NewTestLogger()
	return NewEscalator(w, NewMemoryCounter(clk), policy, log), w, clk, log
}

func TestEscalator_FilesAtThreshold(t *testing.T) {
	e, w, _, _ := newEscalator(t, escalation)
	ctx := context.Background()
	doc := &models.Document{ID: "doc-1", SecurityLevel: 3, DepartmentID: "eng", IsDepartmentOnly: true}

	for i := 0; i < 2; i++ {
		req, err := e.RecordDenial(ctx, requester, doc, "roadmap")
		require.NoError(t, err)
		assert.Nil(t, req)
	}

	req, err := e.RecordDenial(ctx, requester, doc, "roadmap")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.True(t, req.AutoEscalated)
	assert.Equal(t, models.OverridePending, req.Status)
	assert.Equal(t, models.OverrideDepartment, req.Type)
	assert.Equal(t, "eng", req.DepartmentID)
	assert.Equal(t, 3, req.Level)
	assert.Equal(t, "doc-1", req.TriggerFileID)
	assert.Equal(t, "roadmap", req.TriggerQuery)
	assert.Equal(t, t0.Add(24*time.Hour), req.ValidUntil)

	// Further denials while the request is pending do not pile up requests.
	for i := 0; i < 6; i++ {
		again, err := e.RecordDenial(ctx, requester, doc, "roadmap")
		require.NoError(t, err)
		assert.Nil(t, again)
	}
	mine, err := w.Mine(ctx, requester)
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	// Still needs a human decision.
	_, err = w.Approve(ctx, adminA, req.ID, "legit access need")
	require.NoError(t, err)
}

func TestEscalator_WindowLapseResetsCount(t *testing.T) {
	e, _, clk, _ := newEscalator(t, escalation)
	ctx := context.Background()
	doc := &models.Document{ID: "doc-1", SecurityLevel: 2}

	for i := 0; i < 2; i++ {
		_, err := e.RecordDenial(ctx, requester, doc, "")
		require.NoError(t, err)
	}
	clk.Advance(2 * time.Hour)
	req, err := e.RecordDenial(ctx, requester, doc, "")
	require.NoError(t, err)
	assert.Nil(t, req)
}

func TestEscalator_DisabledAtZeroThreshold(t *testing.T) {
	e, _, _, _ := newEscalator(t, config.EscalationPolicy{})
	doc := &models.Document{ID: "doc-1", SecurityLevel: 2}
	for i := 0; i < 10; i++ {
		req, err := e.RecordDenial(context.Background(), requester, doc, "")
		require.NoError(t, err)
		assert.Nil(t, req)
	}
	assert.False(t, e.Enabled())
}

func TestEscalator_CeilingViolationIsLoggedNotReturned(t *testing.T) {
	e, _, _, log := newEscalator(t, config.EscalationPolicy{Threshold: 1, Window: time.Hour, GrantDuration: time.Hour})
	// No department: org-wide request at level 4 is above the default org-wide ceiling.
	doc := &models.Document{ID: "vault", SecurityLevel: 4}

	req, err := e.RecordDenial(context.Background(), requester, doc, "")
	require.NoError(t, err)
	assert.Nil(t, req)
	assert.Contains(t, log.Messages("warn"), "auto-escalation not filed")
}

func TestMemoryCounter(t *testing.T) {
	clk := clock.Fake(t0)
	c := NewMemoryCounter(clk)
	ctx := context.Background()

	n, _ := c.Increment(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n)
	n, _ = c.Increment(ctx, "k", time.Minute)
	assert.Equal(t, int64(2), n)

	clk.Advance(time.Minute)
	n, _ = c.Increment(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Reset(ctx, "k"))
	n, _ = c.Increment(ctx, "k", time.Minute)
	assert.Equal(t, int64(1), n)
}

func TestMemoryCounter_SweepsExpiredKeys(t *testing.T) {
	clk := clock.Fake(t0)
	c := NewMemoryCounter(clk)
	ctx := context.Background()

	for _, k := range []string{"u1:doc", "u2:doc", "u3:doc"} {
		_, err := c.Increment(ctx, k, time.Minute)
		require.NoError(t, err)
	}
	assert.Len(t, c.entries, 3)

	clk.Advance(2 * time.Minute)
	_, err := c.Increment(ctx, "u4:doc", time.Minute)
	require.NoError(t, err)
	assert.Len(t, c.entries, 1, "keys never denied again are dropped")
	assert.Contains(t, c.entries, "u4:doc")
}

func TestRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c := NewRedisCounter(client)
	ctx := context.Background()

	n, err := c.Increment(ctx, "u:doc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Increment(ctx, "u:doc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Minute, mr.TTL("fortress:denials:u:doc"))

	mr.FastForward(time.Minute + time.Second)
	n, err = c.Increment(ctx, "u:doc", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.Reset(ctx, "u:doc"))
	assert.False(t, mr.Exists("fortress:denials:u:doc"))
}

func TestEscalator_WithRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	w, _, _ := newWorkflow(t, nil)
	e := NewEscalator(w, NewRedisCounter(client), config.EscalationPolicy{Threshold: 2, Window: time.Hour, GrantDuration: time.Hour}, logger.NewNop())
	doc := &models.Document{ID: "doc-9", SecurityLevel: 2, DepartmentID: "eng"}
	ctx := context.Background()

	req, err := e.RecordDenial(ctx, requester, doc, "")
	require.NoError(t, err)
	assert.Nil(t, req)
	req, err = e.RecordDenial(ctx, requester, doc, "")
	require.NoError(t, err)
	require.NotNil(t, req)
	assert.False(t, mr.Exists("fortress:denials:u:doc-9"), "counter resets once a request is filed")
}
