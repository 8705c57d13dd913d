package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestEmitterUnsubscribe(t *testing.T) {
	e := NewEmitter(nil)

	var named, raw int
	offNamed := e.On(EventGuildCreate, func(int, json.RawMessage) { named++ })
	offRaw := e.OnRaw(func(RawEvent) { raw++ })

	e.Emit(0, EventGuildCreate, json.RawMessage(`{}`))
	e.Emit(0, EventGuildDelete, json.RawMessage(`{}`))
	assert.Equal(t, 1, named)
	assert.Equal(t, 2, raw)

	offNamed()
	offRaw()
	e.Emit(0, EventGuildCreate, json.RawMessage(`{}`))
	assert.Equal(t, 1, named)
	assert.Equal(t, 2, raw)
}

func TestEmitterRecoversHandlerPanic(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewEmitter(zap.New(core))

	var after bool
	e.On(EventReady, func(int, json.RawMessage) { panic("bad handler") })
	e.On(EventReady, func(int, json.RawMessage) { after = true })

	e.Emit(3, EventReady, json.RawMessage(`{}`))
	assert.True(t, after)
	assert.Equal(t, 1, logs.FilterMessage("Event handler panicked").Len())
}

func TestSubscribeDecodes(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	e := NewEmitter(zap.New(core))

	var ready []Ready
	Subscribe(e, EventReady, func(_ int, r Ready) { ready = append(ready, r) })

	e.Emit(0, EventReady, json.RawMessage(`{"v":6,"session_id":"abc","user":{"id":"1","username":"bot"},"guilds":[{"id":"9","unavailable":true}]}`))
	e.Emit(0, EventReady, json.RawMessage(`"not an object"`))

	if assert.Len(t, ready, 1) {
		assert.Equal(t, "abc", ready[0].SessionID)
		assert.Equal(t, "bot", ready[0].User.Username)
		assert.Equal(t, []UnavailableGuild{{ID: "9", Unavailable: true}}, ready[0].Guilds)
	}
	assert.Equal(t, 1, logs.FilterMessage("Failed to decode dispatch payload").Len())
}
