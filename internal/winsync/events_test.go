package winsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventSetTakeAnyReturnsAlreadyPending(t *testing.T) {
	es := newEventSet()
	es.Raise(EventReplicateNow)

	got := es.TakeAny(EventReplicateNow|EventChangesAvailable, nil)
	assert.Equal(t, EventReplicateNow, got)

	// consumed, a second take with a timeout channel should time out.
	timeout := make(chan struct{})
	close(timeout)
	got = es.TakeAny(EventReplicateNow, timeout)
	assert.Equal(t, Event(0), got)
}

func TestEventSetTakeAnyWakesOnRaise(t *testing.T) {
	es := newEventSet()

	result := make(chan Event, 1)
	go func() {
		result <- es.TakeAny(EventWindowOpened, nil)
	}()

	time.Sleep(10 * time.Millisecond)
	es.Raise(EventWindowOpened)

	select {
	case got := <-result:
		assert.Equal(t, EventWindowOpened, got)
	case <-time.After(time.Second):
		t.Fatal("TakeAny did not wake on Raise")
	}
}

func TestEventSetTakeAnyIgnoresUnrequestedBits(t *testing.T) {
	es := newEventSet()
	es.Raise(EventAgmtChanged)

	timeout := make(chan struct{})
	close(timeout)

	got := es.TakeAny(EventWindowOpened, timeout)
	assert.Equal(t, Event(0), got)

	// the unrelated bit is still pending for a later call that wants it.
	got = es.TakeAny(EventAgmtChanged, nil)
	assert.Equal(t, EventAgmtChanged, got)
}

func TestEventSetRaiseMasksUnknownBits(t *testing.T) {
	es := newEventSet()
	es.Raise(Event(1 << 30))

	timeout := make(chan struct{})
	close(timeout)
	got := es.TakeAny(eventAll, timeout)
	assert.Equal(t, Event(0), got)
}

func TestEventHas(t *testing.T) {
	e := EventWindowOpened | EventChangesAvailable
	assert.True(t, e.has(EventWindowOpened))
	assert.True(t, e.has(EventChangesAvailable))
	assert.False(t, e.has(EventBackoffExpired))
}

func TestEventSetTakeCombinesMultipleBits(t *testing.T) {
	es := newEventSet()
	es.Raise(EventReplicateNow | EventRunDirSync)

	got := es.TakeAny(EventReplicateNow|EventRunDirSync, nil)
	require.True(t, got.has(EventReplicateNow))
	require.True(t, got.has(EventRunDirSync))
}
