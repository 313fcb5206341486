package devloop

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSinkDeliversToObservers(t *testing.T) {
	sink := NewEventSink()
	var received []CloudEvent
	sink.Subscribe(func(event CloudEvent) {
		received = append(received, event)
	})

	err := sink.Emit(EventRestart, map[string]any{"units": []string{"a.bc"}})
	require.NoError(t, err)
	require.Len(t, received, 1)

	event := received[0]
	assert.Equal(t, EventRestart, event.Type())
	assert.Equal(t, eventSource, event.Source())
	assert.NotEmpty(t, event.ID())
	assert.False(t, event.Time().IsZero())
	assert.NoError(t, event.Validate())
}

func TestEventSinkWithoutObservers(t *testing.T) {
	sink := NewEventSink()
	assert.ErrorIs(t, sink.Emit(EventNoop, nil), ErrNoEventSink)
}

func TestEventIDsAreUnique(t *testing.T) {
	a := NewScanEvent(EventScanStarted, nil)
	b := NewScanEvent(EventScanStarted, nil)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestCoordinatorEmitsLifecycleEvents(t *testing.T) {
	f := newCoordFixture(t)
	sink := NewEventSink()
	var types []string
	sink.Subscribe(func(event CloudEvent) {
		types = append(types, event.Type())
	})
	f.coord.events = sink

	writeFile(t, filepath.Join(f.src, "a.src"), "v1")
	_, err := f.coord.InitialScan()
	require.NoError(t, err)

	f.edit(t, f.src, "a.src", "v2", 2*time.Second)
	f.coord.DoScan(false, false)

	assert.Contains(t, types, EventScanStarted)
	assert.Contains(t, types, EventRestart)
}
