package client

import (
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_DeliversInOrder(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	rec := &recorder{}
	e.on(EventClose, rec.record)
	e.on(EventOpen, rec.record)

	for i := 0; i < 50; i++ {
		e.emit(OpenEvent{})
		e.emit(CloseEvent{Code: i})
	}
	e.stop()

	closes := rec.ofType(EventClose)
	require.Len(t, closes, 50)
	for i, ev := range closes {
		assert.Equal(t, i, ev.(CloseEvent).Code)
	}
	assert.Equal(t, 100, len(rec.types()))
}

func TestEmitter_ListenersRunInRegistrationOrder(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	var mu sync.Mutex
	var order []string
	add := func(name string) Listener {
		return func(Event) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	e.on(EventOpen, add("first"))
	e.on(EventOpen, add("second"))
	e.on(EventOpen, add("third"))

	e.emit(OpenEvent{})
	e.stop()

	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestEmitter_ListenerAddedDuringDeliveryMissesCurrentEvent(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	late := &recorder{}
	var once sync.Once
	e.on(EventUpdate, func(Event) {
		once.Do(func() { e.on(EventUpdate, late.record) })
	})

	e.emit(UpdateEvent{})
	e.emit(UpdateEvent{})
	e.stop()

	assert.Equal(t, 1, late.count(EventUpdate))
}

func TestEmitter_Remove(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	kept, removed := &recorder{}, &recorder{}
	e.on(EventPong, kept.record)
	remove := e.on(EventPong, removed.record)

	remove()
	remove()
	e.emit(PongEvent{})
	e.stop()

	assert.Equal(t, 1, kept.count(EventPong))
	assert.Zero(t, removed.count(EventPong))
}

func TestEmitter_ListenerPanicDoesNotStopDelivery(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	rec := &recorder{}
	e.on(EventInfo, func(Event) { panic("listener bug") })
	e.on(EventInfo, rec.record)

	e.emit(InfoEvent{})
	e.emit(InfoEvent{})
	e.stop()

	assert.Equal(t, 2, rec.count(EventInfo))
}

func TestEmitter_StopIsIdempotentAndDropsLateEvents(t *testing.T) {
	e := newEmitter(zerolog.Nop())
	rec := &recorder{}
	e.on(EventError, rec.record)

	e.emit(ErrorEvent{})
	e.stop()
	e.stop()
	e.emit(ErrorEvent{})

	assert.Equal(t, 1, rec.count(EventError))
}
