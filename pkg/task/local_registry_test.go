package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRegistryLifecycle(t *testing.T) {
	r := NewLocalRegistry(nil)
	a := r.NewTask("a")
	b := r.NewTask("b")

	assert.NotEqual(t, a.ID(), b.ID())
	assert.True(t, r.IsAlive(a.ID()))
	assert.Equal(t, []ID{a.ID(), b.ID()}, r.All())

	view := a.Registry()
	assert.Equal(t, a.ID(), view.CurrentID())
	assert.True(t, view.IsAlive(b.ID()))

	a.Terminate()
	a.Terminate()
	assert.True(t, a.IsTerminated())
	assert.False(t, r.IsAlive(a.ID()))
	assert.Equal(t, []ID{b.ID()}, r.All())
	assert.Nil(t, r.Get(a.ID()))
}

func TestLocalRegistryDone(t *testing.T) {
	r := NewLocalRegistry(nil)
	a := r.NewTask("a")
	done := r.Done(a.ID())

	select {
	case <-done:
		t.Fatalf("Done chan closed before Terminate")
	default:
	}

	go a.Terminate()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Done chan not closed after Terminate")
	}

	select {
	case <-r.Done(ID(12345)):
	default:
		require.Fail(t, "Done chan for unknown task should already be closed")
	}
}

func TestViewImplementsWatcher(t *testing.T) {
	r := NewLocalRegistry(nil)
	a := r.NewTask("a")
	_, ok := a.Registry().(Watcher)
	assert.True(t, ok)
}
