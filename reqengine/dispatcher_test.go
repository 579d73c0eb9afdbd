package reqengine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/badu/reqengine/event"
	"github.com/badu/reqengine/hurl"
)

func TestHostKeyUsesRequestURLHost(t *testing.T) {
	u, err := hurl.Parse("http://example.com:8080/path")
	require.NoError(t, err)
	call := &Call{request: &Request{URL: u}}
	require.Equal(t, "example.com", hostKey(call))

	require.Equal(t, "", hostKey(&Call{request: &Request{}}))
}

func TestRemoveCallDropsOnlyMatchingEntry(t *testing.T) {
	a := &Call{id: "a"}
	b := &Call{id: "b"}
	c := &Call{id: "c"}
	list := []*Call{a, b, c}

	list = removeCall(list, b)
	require.Len(t, list, 2)
	require.Same(t, a, list[0])
	require.Same(t, c, list[1])

	list = removeCall(list, b) // already gone, no-op
	require.Len(t, list, 2)
}

func TestDispatcherCancelAllMarksEveryTrackedCall(t *testing.T) {
	client := &Client{EventFactory: event.Noop}
	d := NewDispatcher(0, 0)
	ready := &Call{id: "ready", client: client}
	running := &Call{id: "running", client: client}
	sync := &Call{id: "sync", client: client}
	d.readyAsync = append(d.readyAsync, ready)
	d.runningAsync = append(d.runningAsync, running)
	d.runningSync = append(d.runningSync, sync)

	d.cancelAll()

	require.True(t, ready.isCanceled())
	require.True(t, running.isCanceled())
	require.True(t, sync.isCanceled())
}
