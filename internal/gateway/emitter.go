package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/denord/denord/internal/metrics"
	"github.com/denord/denord/internal/observability"
)

// Handler receives the raw payload of one dispatch event.
type Handler func(shard int, data json.RawMessage)

// RawHandler receives every recognized dispatch event.
type RawHandler func(event RawEvent)

type subscription[H any] struct {
	id      uint64
	handler H
}

// Emitter fans dispatch events out to subscribers. Typed subscribers of an
// event run before raw subscribers, in subscription order. A panicking
// handler is logged and skipped.
type Emitter struct {
	logger observability.Logger

	mu     sync.RWMutex
	nextID uint64
	named  map[EventName][]subscription[Handler]
	raw    []subscription[RawHandler]
}

// NewEmitter returns an emitter with no subscribers.
func NewEmitter(logger observability.Logger) *Emitter {
	return &Emitter{
		logger: observability.OrNop(logger),
		named:  make(map[EventName][]subscription[Handler]),
	}
}

// On subscribes to one event and returns a function that removes the
// subscription.
//
// Handlers run on the emitting shard's pump goroutine, one event at a time.
// A handler may call Manager.Close.
func (e *Emitter) On(name EventName, handler Handler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.named[name] = append(e.named[name], subscription[Handler]{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.named[name] = remove(e.named[name], id)
	}
}

// OnRaw subscribes to every recognized event.
func (e *Emitter) OnRaw(handler RawHandler) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.raw = append(e.raw, subscription[RawHandler]{id: id, handler: handler})

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		e.raw = remove(e.raw, id)
	}
}

// Subscribe decodes the payload of event name into T before calling fn.
// Payloads that do not decode are logged and dropped for this subscriber.
func Subscribe[T any](e *Emitter, name EventName, fn func(shard int, payload T)) (unsubscribe func()) {
	return e.On(name, func(shard int, data json.RawMessage) {
		var payload T
		if err := json.Unmarshal(data, &payload); err != nil {
			e.logger.Warn("Failed to decode dispatch payload",
				zap.String("event", string(name)),
				zap.Int("shard", shard),
				zap.Error(err),
			)
			return
		}
		fn(shard, payload)
	})
}

// Emit delivers one event to the typed subscribers of name, then to every
// raw subscriber.
func (e *Emitter) Emit(shard int, name EventName, data json.RawMessage) {
	e.mu.RLock()
	named := append([]subscription[Handler](nil), e.named[name]...)
	raw := append([]subscription[RawHandler](nil), e.raw...)
	e.mu.RUnlock()

	for _, sub := range named {
		e.call(name, shard, func() { sub.handler(shard, data) })
	}
	event := RawEvent{Shard: shard, Name: name, Data: data}
	for _, sub := range raw {
		e.call(name, shard, func() { sub.handler(event) })
	}
}

func (e *Emitter) call(name EventName, shard int, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic("gateway_handler")
			e.logger.Error("Event handler panicked",
				zap.String("event", string(name)),
				zap.Int("shard", shard),
				zap.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	fn()
}

func remove[H any](subs []subscription[H], id uint64) []subscription[H] {
	out := subs[:0:0]
	for _, sub := range subs {
		if sub.id != id {
			out = append(out, sub)
		}
	}
	return out
}
