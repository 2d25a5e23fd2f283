package session

import (
	"testing"
	"time"

	"github.com/guseggert/diagstream/terminal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleepReq() CreateRequest {
	return CreateRequest{
		Tool:   "sleep",
		Target: "localhost",
		Argv:   []string{"sleep", "30"},
	}
}

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(nil)
	s := r.CreateSession("conn1", CreateRequest{
		Tool:   "ping",
		Target: "localhost",
		Params: map[string]any{"count": 5},
		Argv:   []string{"ping", "-c5", "localhost"},
	})
	require.NotEmpty(t, s.ID)
	assert.Equal(t, "conn1", s.ConnectionID)
	assert.Equal(t, "ping", s.Tool)
	assert.Equal(t, "localhost", s.Target)
	assert.Equal(t, map[string]any{"count": 5}, s.Params)
	assert.Equal(t, terminal.NotStarted, s.Terminal.State())

	assert.Same(t, s, r.Get("conn1", s.ID))
	assert.Nil(t, r.Get("conn1", "nope"))
	assert.Nil(t, r.Get("conn2", s.ID))
}

func TestUniqueIDs(t *testing.T) {
	r := NewRegistry(nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		s := r.CreateSession("conn1", sleepReq())
		assert.False(t, seen[s.ID])
		seen[s.ID] = true
	}
	assert.Len(t, r.List("conn1"), 100)
}

func TestListOrder(t *testing.T) {
	r := NewRegistry(nil)
	a := r.CreateSession("conn1", sleepReq())
	time.Sleep(time.Millisecond)
	b := r.CreateSession("conn1", sleepReq())
	r.CreateSession("conn2", sleepReq())

	list := r.List("conn1")
	require.Len(t, list, 2)
	assert.Equal(t, a.ID, list[0].ID)
	assert.Equal(t, b.ID, list[1].ID)
	assert.Empty(t, r.List("conn3"))
}

func TestRemoveDropsEmptyConnection(t *testing.T) {
	r := NewRegistry(nil)
	a := r.CreateSession("conn1", sleepReq())
	b := r.CreateSession("conn1", sleepReq())
	assert.Equal(t, Stats{Connections: 1, Sessions: 2}, r.Stats())

	r.Remove("conn1", a.ID)
	assert.Equal(t, Stats{Connections: 1, Sessions: 1}, r.Stats())

	r.Remove("conn1", b.ID)
	assert.Equal(t, Stats{}, r.Stats())

	// unknown connection and session are fine
	r.Remove("conn1", b.ID)
	r.Remove("nonexistent", "whatever")
}

func TestStop(t *testing.T) {
	r := NewRegistry(nil)
	s := r.CreateSession("conn1", sleepReq())
	require.NoError(t, s.Terminal.Start())

	found, err := r.Stop("conn1", s.ID)
	require.NoError(t, err)
	assert.True(t, found)

	select {
	case <-s.Terminal.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stop")
	}
	// stopping doesn't remove
	assert.NotNil(t, r.Get("conn1", s.ID))

	found, err = r.Stop("conn1", "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCleanupConnection(t *testing.T) {
	r := NewRegistry(nil)
	var started []*Session
	for i := 0; i < 3; i++ {
		s := r.CreateSession("conn1", sleepReq())
		require.NoError(t, s.Terminal.Start())
		started = append(started, s)
	}
	// one that never started
	unstarted := r.CreateSession("conn1", sleepReq())
	other := r.CreateSession("conn2", sleepReq())

	removed := r.CleanupConnection("conn1")
	assert.Len(t, removed, 4)
	assert.Empty(t, r.List("conn1"))
	assert.Equal(t, Stats{Connections: 1, Sessions: 1}, r.Stats())

	for _, s := range append(started, unstarted) {
		assert.Nil(t, r.Get("conn1", s.ID))
		select {
		case <-s.Terminal.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("session %s never finished", s.ID)
		}
	}
	assert.Equal(t, terminal.NotStarted, other.Terminal.State())

	// cleaning up again is a no-op
	assert.Empty(t, r.CleanupConnection("conn1"))
}
