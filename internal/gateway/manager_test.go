package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitTimeout = 2 * time.Second

type fakeWorker struct {
	shard           int
	autoAdvance     bool
	panicOnPresence bool

	received chan Command
	inject   chan Event
}

func newFakeWorker(shard int) *fakeWorker {
	return &fakeWorker{
		shard:       shard,
		autoAdvance: true,
		received:    make(chan Command, 64),
		inject:      make(chan Event, 64),
	}
}

func (w *fakeWorker) Run(ctx context.Context, commands <-chan Command, events chan<- Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-commands:
			w.received <- cmd
			switch c := cmd.(type) {
			case Connect:
				if w.autoAdvance {
					events <- AdvanceConnect{Token: c.Token}
				}
			case UpdatePresence:
				if w.panicOnPresence {
					panic("presence exploded")
				}
			}
		case ev := <-w.inject:
			events <- ev
		}
	}
}

func (w *fakeWorker) next(t *testing.T) Command {
	t.Helper()
	select {
	case cmd := <-w.received:
		return cmd
	case <-time.After(waitTimeout):
		t.Fatalf("shard %d received no command", w.shard)
		return nil
	}
}

func (w *fakeWorker) assertIdle(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-w.received:
		t.Fatalf("shard %d unexpectedly received %#v", w.shard, cmd)
	case <-time.After(20 * time.Millisecond):
	}
}

// staggerRecorder fires every timer immediately unless held is set, in which
// case each timer is handed to the test to fire by hand.
type staggerRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
	held  chan chan time.Time
}

func (r *staggerRecorder) After(d time.Duration) <-chan time.Time {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	ch := make(chan time.Time, 1)
	if r.held != nil {
		r.held <- ch
		return ch
	}
	ch <- time.Time{}
	return ch
}

func (r *staggerRecorder) nextTimer(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-r.held:
		return ch
	case <-time.After(waitTimeout):
		t.Fatal("no stagger timer was started")
		return nil
	}
}

func (r *staggerRecorder) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type fatalRecorder struct {
	errs chan error
}

func (r *fatalRecorder) OnFatal(err error) {
	r.errs <- err
}

type harness struct {
	manager *Manager
	workers []*fakeWorker
	stagger *staggerRecorder
	fatal   *fatalRecorder
}

func newHarness(t *testing.T, shards int, configure ...func(*Options, []*fakeWorker)) *harness {
	t.Helper()

	h := &harness{
		workers: make([]*fakeWorker, shards),
		stagger: &staggerRecorder{},
		fatal:   &fatalRecorder{errs: make(chan error, 8)},
	}
	for i := range h.workers {
		h.workers[i] = newFakeWorker(i)
	}

	opts := Options{
		ShardCount: shards,
		Intents:    513,
		NewWorker:  func(i int) Worker { return h.workers[i] },
		Logger:     zaptest.NewLogger(t),
		OnFatal:    h.fatal.OnFatal,
		After:      h.stagger.After,
	}
	for _, fn := range configure {
		fn(&opts, h.workers)
	}

	manager, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	h.manager = manager
	return h
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{ShardCount: 0, NewWorker: func(int) Worker { return newFakeWorker(0) }})
	require.Error(t, err)

	_, err = New(Options{ShardCount: 1})
	require.Error(t, err)
}

func TestNewSendsInit(t *testing.T) {
	h := newHarness(t, 3)

	for i, w := range h.workers {
		assert.Equal(t, Init{ShardIndex: i, TotalShards: 3, Intents: 513}, w.next(t))
		assert.Equal(t, ShardPending, h.manager.ShardState(i))
	}
	assert.Equal(t, StateInitializing, h.manager.State())
	assert.Equal(t, 3, h.manager.ShardCount())
}

func TestConnectSequencesShardsWithStagger(t *testing.T) {
	h := newHarness(t, 3)

	require.NoError(t, h.manager.Connect(context.Background(), "bot-token"))

	for i, w := range h.workers {
		require.IsType(t, Init{}, w.next(t))
		assert.Equal(t, Connect{Token: "bot-token"}, w.next(t), "shard %d", i)
		assert.Equal(t, ShardConnected, h.manager.ShardState(i))
	}
	assert.Equal(t, []time.Duration{DefaultStagger, DefaultStagger}, h.stagger.Waits())
	assert.Equal(t, StateAllConnected, h.manager.State())

	// A second call returns immediately.
	require.NoError(t, h.manager.Connect(context.Background(), "bot-token"))
}

func TestConnectWaitsForEachShardInOrder(t *testing.T) {
	h := newHarness(t, 3, func(opts *Options, workers []*fakeWorker) {
		opts.Stagger = 250 * time.Millisecond
		for _, w := range workers {
			w.autoAdvance = false
		}
	})

	done := make(chan error, 1)
	go func() { done <- h.manager.Connect(context.Background(), "tok") }()

	for _, w := range h.workers {
		require.IsType(t, Init{}, w.next(t))
	}

	assert.Equal(t, Connect{Token: "tok"}, h.workers[0].next(t))
	assert.Equal(t, ShardConnecting, h.manager.ShardState(0))
	h.workers[1].assertIdle(t)

	h.workers[0].inject <- AdvanceConnect{Token: "tok"}
	assert.Equal(t, Connect{Token: "tok"}, h.workers[1].next(t))
	h.workers[2].assertIdle(t)

	select {
	case <-done:
		t.Fatal("connect returned before the last shard advanced")
	default:
	}

	h.workers[1].inject <- AdvanceConnect{Token: "tok"}
	assert.Equal(t, Connect{Token: "tok"}, h.workers[2].next(t))
	h.workers[2].inject <- AdvanceConnect{Token: "tok"}

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, h.stagger.Waits())
}

func TestConnectHoldsNextShardUntilStaggerElapses(t *testing.T) {
	h := newHarness(t, 2, func(opts *Options, workers []*fakeWorker) {
		workers[0].autoAdvance = false
	})
	h.stagger.held = make(chan chan time.Time, 4)

	done := make(chan error, 1)
	go func() { done <- h.manager.Connect(context.Background(), "tok") }()

	for _, w := range h.workers {
		require.IsType(t, Init{}, w.next(t))
	}
	assert.Equal(t, Connect{Token: "tok"}, h.workers[0].next(t))
	h.workers[0].inject <- AdvanceConnect{Token: "tok"}

	timer := h.stagger.nextTimer(t)
	h.workers[1].assertIdle(t)
	assert.Equal(t, ShardPending, h.manager.ShardState(1))

	timer <- time.Time{}
	assert.Equal(t, Connect{Token: "tok"}, h.workers[1].next(t))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("connect did not return")
	}
	assert.Equal(t, []time.Duration{DefaultStagger}, h.stagger.Waits())
}

func TestConnectHonorsContext(t *testing.T) {
	h := newHarness(t, 2, func(_ *Options, workers []*fakeWorker) {
		workers[0].autoAdvance = false
	})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	err := h.manager.Connect(ctx, "tok")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateSequencing, h.manager.State())
}

func TestConnectTimeoutOption(t *testing.T) {
	h := newHarness(t, 1, func(opts *Options, workers []*fakeWorker) {
		opts.ConnectTimeout = 30 * time.Millisecond
		workers[0].autoAdvance = false
	})

	err := h.manager.Connect(context.Background(), "tok")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatchReachesTypedThenRawSubscribers(t *testing.T) {
	h := newHarness(t, 2)

	type message struct {
		ID      string `json:"id"`
		Content string `json:"content"`
	}

	var (
		mu    sync.Mutex
		order []string
	)
	typed := make(chan message, 1)
	raw := make(chan RawEvent, 1)

	Subscribe(h.manager.Emitter(), EventMessageCreate, func(shard int, msg message) {
		mu.Lock()
		order = append(order, "typed")
		mu.Unlock()
		assert.Equal(t, 1, shard)
		typed <- msg
	})
	h.manager.Emitter().OnRaw(func(ev RawEvent) {
		mu.Lock()
		order = append(order, "raw")
		mu.Unlock()
		raw <- ev
	})

	data := json.RawMessage(`{"id":"1","content":"hi"}`)
	h.workers[1].inject <- Dispatch{Name: "MESSAGE_CREATE", Data: data}

	select {
	case msg := <-typed:
		assert.Equal(t, message{ID: "1", Content: "hi"}, msg)
	case <-time.After(waitTimeout):
		t.Fatal("typed subscriber not called")
	}
	select {
	case ev := <-raw:
		assert.Equal(t, RawEvent{Shard: 1, Name: EventMessageCreate, Data: data}, ev)
	case <-time.After(waitTimeout):
		t.Fatal("raw subscriber not called")
	}

	mu.Lock()
	assert.Equal(t, []string{"typed", "raw"}, order)
	mu.Unlock()
}

func TestUnrecognizedDispatchIsFatal(t *testing.T) {
	h := newHarness(t, 2)

	raw := make(chan RawEvent, 1)
	h.manager.Emitter().OnRaw(func(ev RawEvent) { raw <- ev })

	h.workers[1].inject <- Dispatch{Name: "FOO_BAR", Data: json.RawMessage(`{}`)}

	select {
	case err := <-h.fatal.errs:
		var unrecognized *UnrecognizedEventError
		require.True(t, errors.As(err, &unrecognized))
		assert.Equal(t, 1, unrecognized.Shard)
		assert.Equal(t, "FOO_BAR", unrecognized.Name)
	case <-time.After(waitTimeout):
		t.Fatal("fatal handler not called")
	}

	select {
	case ev := <-raw:
		t.Fatalf("unrecognized event reached raw subscribers: %#v", ev)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDirectedCommandsReachOneShard(t *testing.T) {
	h := newHarness(t, 3)
	for _, w := range h.workers {
		require.IsType(t, Init{}, w.next(t))
	}

	query := GuildMembersQuery{GuildID: "123", Limit: 0, Query: ""}
	h.manager.RequestGuildMembers(2, query)
	assert.Equal(t, RequestGuildMembers{Query: query}, h.workers[2].next(t))

	presence := PresenceUpdate{Status: StatusIdle, Game: &Activity{Name: "chess", Type: ActivityPlaying}}
	h.manager.UpdatePresence(0, presence)
	assert.Equal(t, UpdatePresence{Presence: presence}, h.workers[0].next(t))

	h.workers[0].assertIdle(t)
	h.workers[1].assertIdle(t)
	h.workers[2].assertIdle(t)

	assert.Panics(t, func() { h.manager.RequestGuildMembers(3, query) })
	assert.Panics(t, func() { h.manager.UpdatePresence(-1, presence) })
}

func TestCloseEventsUpdateShardState(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.manager.Connect(context.Background(), "tok"))

	h.workers[0].inject <- Close{Code: 4000, Reason: "unknown error", Reconnecting: true}
	require.Eventually(t, func() bool {
		return h.manager.ShardState(0) == ShardReconnecting
	}, waitTimeout, time.Millisecond)

	h.workers[0].inject <- Dispatch{Name: "RESUMED", Data: json.RawMessage(`{}`)}
	require.Eventually(t, func() bool {
		return h.manager.ShardState(0) == ShardConnected
	}, waitTimeout, time.Millisecond)

	h.workers[0].inject <- Close{Code: 4004, Reason: "authentication failed"}
	require.Eventually(t, func() bool {
		return h.manager.ShardState(0) == ShardClosed
	}, waitTimeout, time.Millisecond)
}

func TestWorkerPanicIsContained(t *testing.T) {
	h := newHarness(t, 2, func(_ *Options, workers []*fakeWorker) {
		workers[1].panicOnPresence = true
	})
	require.NoError(t, h.manager.Connect(context.Background(), "tok"))

	h.manager.UpdatePresence(1, PresenceUpdate{Status: StatusOnline})
	require.Eventually(t, func() bool {
		return h.manager.ShardState(1) == ShardClosed
	}, waitTimeout, time.Millisecond)

	// The surviving shard still delivers events.
	got := make(chan RawEvent, 1)
	h.manager.Emitter().OnRaw(func(ev RawEvent) { got <- ev })
	h.workers[0].inject <- Dispatch{Name: "TYPING_START", Data: json.RawMessage(`{}`)}

	select {
	case ev := <-got:
		assert.Equal(t, 0, ev.Shard)
	case <-time.After(waitTimeout):
		t.Fatal("healthy shard stopped delivering")
	}

	// Commands to the dead shard are dropped rather than blocking.
	h.manager.RequestGuildMembers(1, GuildMembersQuery{GuildID: "1"})
	assert.Equal(t, ShardConnected, h.manager.ShardState(0))
}

func TestCloseStopsWorkers(t *testing.T) {
	h := newHarness(t, 2)
	require.NoError(t, h.manager.Close())
	require.NoError(t, h.manager.Close())

	assert.Equal(t, ShardClosed, h.manager.ShardState(0))
	assert.ErrorIs(t, h.manager.Connect(context.Background(), "tok"), ErrClosed)
}

func TestCloseFromHandlerReturns(t *testing.T) {
	h := newHarness(t, 2)

	closed := make(chan error, 1)
	h.manager.Emitter().On(EventMessageCreate, func(int, json.RawMessage) {
		closed <- h.manager.Close()
	})
	h.workers[1].inject <- Dispatch{Name: "MESSAGE_CREATE", Data: json.RawMessage(`{}`)}

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("Close called from a handler did not return")
	}
	assert.Equal(t, ShardClosed, h.manager.ShardState(0))
	assert.Equal(t, ShardClosed, h.manager.ShardState(1))
	assert.ErrorIs(t, h.manager.Connect(context.Background(), "tok"), ErrClosed)
}

func TestCloseReportsWorkerError(t *testing.T) {
	boom := errors.New("dial failed")
	manager, err := New(Options{
		ShardCount: 1,
		Stagger:    -1,
		NewWorker: func(int) Worker {
			return WorkerFunc(func(ctx context.Context, _ <-chan Command, _ chan<- Event) error {
				return boom
			})
		},
		OnFatal: func(error) {},
	})
	require.NoError(t, err)

	err = manager.Close()
	assert.ErrorIs(t, err, boom)
}
