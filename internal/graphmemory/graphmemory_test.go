package graphmemory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/storage"
)

type tickingClock struct {
	at time.Time
}

func (c *tickingClock) Now() time.Time {
	c.at = c.at.Add(time.Second)
	return c.at
}
func (c *tickingClock) NowISO() string     { return c.Now().Format(time.RFC3339Nano) }
func (c *tickingClock) Timestamp() float64 { return float64(c.Now().UnixNano()) / 1e9 }

func newTestStore(t *testing.T, clk clock.Clock) *Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return NewStore(s.DB(), clk)
}

func frozen() clock.Clock {
	return clock.Frozen{At: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t, frozen())

	put, err := s.Put("obs/1", ScopeLocal, "observation", map[string]any{"channel": "c1", "count": float64(3)})
	require.NoError(t, err)
	assert.Equal(t, 1, put.Version)

	got, err := s.Get("obs/1", ScopeLocal)
	require.NoError(t, err)
	assert.Equal(t, "observation", got.Type)
	assert.Equal(t, "c1", got.Attributes["channel"])
	assert.Equal(t, float64(3), got.Attributes["count"])
}

func TestPutIncrementsVersion(t *testing.T) {
	s := newTestStore(t, frozen())

	_, err := s.Put("n", ScopeIdentity, "identity_root", map[string]any{"v": "1"})
	require.NoError(t, err)
	upd, err := s.Put("n", ScopeIdentity, "identity_root", map[string]any{"v": "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, upd.Version)

	got, err := s.Get("n", ScopeIdentity)
	require.NoError(t, err)
	assert.Equal(t, "2", got.Attributes["v"])
}

func TestScopesAreIndependent(t *testing.T) {
	s := newTestStore(t, frozen())

	_, err := s.Put("n", ScopeLocal, "a", nil)
	require.NoError(t, err)

	_, err = s.Get("n", ScopeIdentity)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListByType(t *testing.T) {
	s := newTestStore(t, frozen())
	_, err := s.Put("a", ScopeLocal, "audit_entry", nil)
	require.NoError(t, err)
	_, err = s.Put("b", ScopeLocal, "audit_entry", nil)
	require.NoError(t, err)
	_, err = s.Put("c", ScopeLocal, "observation", nil)
	require.NoError(t, err)

	got, err := s.ListByType(ScopeLocal, "audit_entry")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestDeleteOlderThan(t *testing.T) {
	clk := &tickingClock{at: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)}
	s := newTestStore(t, clk)

	_, err := s.Put("old", ScopeLocal, "audit_entry", nil)
	require.NoError(t, err)
	cutoff := clk.NowISO()
	_, err = s.Put("new", ScopeLocal, "audit_entry", nil)
	require.NoError(t, err)

	n, err := s.DeleteOlderThan(ScopeLocal, "audit_entry", cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get("old", ScopeLocal)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get("new", ScopeLocal)
	assert.NoError(t, err)
}

func TestLinkAndRelated(t *testing.T) {
	s := newTestStore(t, frozen())
	_, err := s.Put("task/1", ScopeLocal, "task", nil)
	require.NoError(t, err)
	_, err = s.Put("thought/1", ScopeLocal, "thought", nil)
	require.NoError(t, err)

	require.NoError(t, s.Link("task/1", ScopeLocal, "has_thought", "thought/1", ScopeLocal))
	// Duplicate links are ignored.
	require.NoError(t, s.Link("task/1", ScopeLocal, "has_thought", "thought/1", ScopeLocal))

	rel, err := s.Related("task/1", ScopeLocal, "has_thought")
	require.NoError(t, err)
	require.Len(t, rel, 1)
	assert.Equal(t, "thought/1", rel[0][0])
}
