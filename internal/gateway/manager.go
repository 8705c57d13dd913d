package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/denord/denord/internal/errors"
	"github.com/denord/denord/internal/metrics"
	"github.com/denord/denord/internal/observability"
)

// ErrClosed is returned by Connect once the manager has been closed.
var ErrClosed = errors.New("gateway: manager closed")

// DefaultStagger is the pause between one shard identifying and the next
// shard connecting.
const DefaultStagger = 5 * time.Second

const defaultCommandBuffer = 16

// Worker runs a single shard connection. Run receives Init first, then
// Connect and directed commands, and reports back through events. It returns
// when ctx ends and must not send on events after returning.
type Worker interface {
	Run(ctx context.Context, commands <-chan Command, events chan<- Event) error
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, commands <-chan Command, events chan<- Event) error

func (f WorkerFunc) Run(ctx context.Context, commands <-chan Command, events chan<- Event) error {
	return f(ctx, commands, events)
}

// Options configures a Manager.
type Options struct {
	ShardCount int
	Intents    int

	// Stagger defaults to DefaultStagger. Use a negative value for no pause.
	Stagger time.Duration

	// ConnectTimeout bounds Connect in addition to its context. Zero waits
	// until every shard has connected.
	ConnectTimeout time.Duration

	CommandBuffer int

	// NewWorker builds the worker for one shard.
	NewWorker func(shard int) Worker

	// Emitter receives dispatch events. A new one is created when nil.
	Emitter *Emitter
	Logger  observability.Logger

	// OnFatal handles an unrecognized dispatch event. The default logs the
	// error and exits the process.
	OnFatal func(err error)

	// After is the stagger timer, swapped out in tests.
	After func(time.Duration) <-chan time.Time
}

type shard struct {
	index    int
	commands chan Command
	events   chan Event
	done     chan struct{}
	state    ShardState

	// pumped closes when the pump goroutine returns. dispatching is set while
	// the pump runs subscriber handlers.
	pumped      chan struct{}
	dispatching atomic.Bool
}

// Manager runs one isolated worker per shard, connects them one at a time
// and re-emits their dispatch events.
type Manager struct {
	shards         []*shard
	intents        int
	stagger        time.Duration
	connectTimeout time.Duration

	emitter *Emitter
	logger  observability.Logger
	onFatal func(error)
	after   func(time.Duration) <-chan time.Time

	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	bg     sync.WaitGroup

	mu        sync.Mutex
	state     ManagerState
	connected chan struct{}
	closed    bool
}

// New builds the shards, starts their workers and sends each one Init.
func New(opts Options) (*Manager, error) {
	if opts.ShardCount < 1 {
		return nil, fmt.Errorf("gateway: shard count must be at least 1, got %d", opts.ShardCount)
	}
	if opts.NewWorker == nil {
		return nil, fmt.Errorf("gateway: worker factory is required")
	}

	stagger := opts.Stagger
	switch {
	case stagger == 0:
		stagger = DefaultStagger
	case stagger < 0:
		stagger = 0
	}
	buffer := opts.CommandBuffer
	if buffer < 1 {
		buffer = defaultCommandBuffer
	}

	logger := observability.OrNop(opts.Logger)
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NewEmitter(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		shards:         make([]*shard, opts.ShardCount),
		intents:        opts.Intents,
		stagger:        stagger,
		connectTimeout: opts.ConnectTimeout,
		emitter:        emitter,
		logger:         logger,
		onFatal:        opts.OnFatal,
		after:          opts.After,
		ctx:            ctx,
		cancel:         cancel,
		connected:      make(chan struct{}),
		state:          StateInitializing,
	}
	if m.onFatal == nil {
		m.onFatal = m.exitOnFatal
	}
	if m.after == nil {
		m.after = time.After
	}

	for i := range m.shards {
		s := &shard{
			index:    i,
			commands: make(chan Command, buffer),
			events:   make(chan Event, buffer),
			done:     make(chan struct{}),
			pumped:   make(chan struct{}),
			state:    ShardPending,
		}
		s.commands <- Init{ShardIndex: i, TotalShards: opts.ShardCount, Intents: opts.Intents}
		m.shards[i] = s

		worker := opts.NewWorker(i)
		m.group.Go(func() error {
			defer close(s.done)
			defer close(s.events)
			return m.runWorker(s, worker)
		})

		go func() {
			defer close(s.pumped)
			m.pump(s)
		}()
	}

	metrics.SetShardsConnected(0)
	return m, nil
}

// Emitter returns the emitter that receives this manager's events.
func (m *Manager) Emitter() *Emitter {
	return m.emitter
}

// ShardCount returns the fixed number of shards.
func (m *Manager) ShardCount() int {
	return len(m.shards)
}

// State returns the connect sequencing state.
func (m *Manager) State() ManagerState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ShardState returns the state of shard i. It panics when i is out of range.
func (m *Manager) ShardState(i int) ShardState {
	s := m.shard(i)
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.state
}

// Connect starts the shards one after another and blocks until the last one
// has identified, ctx ends or the manager is closed. Calling it again while
// shards are connecting waits for the same sequence.
func (m *Manager) Connect(ctx context.Context, token string) error {
	if ctx == nil {
		ctx = context.Background()
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	start := m.state == StateInitializing
	if start {
		m.state = StateSequencing
		m.shards[0].state = ShardConnecting
	}
	m.mu.Unlock()

	if start {
		m.logger.Info("Connecting shards",
			zap.Int("shards", len(m.shards)),
			zap.Duration("stagger", m.stagger),
		)
		m.send(m.shards[0], Connect{Token: token})
	}

	if m.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.connectTimeout)
		defer cancel()
	}

	select {
	case <-m.connected:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("gateway: connect: %w", ctx.Err())
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// RequestGuildMembers sends an op 8 request through shard i only.
// It panics when i is out of range.
func (m *Manager) RequestGuildMembers(i int, query GuildMembersQuery) {
	m.send(m.shard(i), RequestGuildMembers{Query: query})
}

// UpdatePresence changes the presence on shard i only.
// It panics when i is out of range.
func (m *Manager) UpdatePresence(i int, presence PresenceUpdate) {
	m.send(m.shard(i), UpdatePresence{Presence: presence})
}

// Close stops every worker and waits for them to exit. It returns the first
// worker error other than cancellation.
//
// Shards whose pump is inside a subscriber handler once the workers have
// stopped are not waited for, so a handler may call Close itself. Such a
// shard can still deliver its buffered events after Close returns.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	err := m.group.Wait()
	m.bg.Wait()
	for _, s := range m.shards {
		if s.dispatching.Load() {
			m.logger.Debug("Not waiting for shard busy in a handler", zap.Int("shard", s.index))
			continue
		}
		<-s.pumped
	}

	m.mu.Lock()
	for _, s := range m.shards {
		s.state = ShardClosed
	}
	m.mu.Unlock()
	metrics.SetShardsConnected(0)
	return err
}

func (m *Manager) shard(i int) *shard {
	if i < 0 || i >= len(m.shards) {
		panic(fmt.Sprintf("gateway: shard index %d out of range [0, %d)", i, len(m.shards)))
	}
	return m.shards[i]
}

func (m *Manager) send(s *shard, cmd Command) {
	select {
	case s.commands <- cmd:
	case <-s.done:
		metrics.RecordCommandDropped(fmt.Sprintf("%T", cmd))
		m.logger.Warn("Shard worker has exited, dropping command",
			zap.Int("shard", s.index),
			zap.String("command", fmt.Sprintf("%T", cmd)),
		)
	case <-m.ctx.Done():
	}
}

func (m *Manager) runWorker(s *shard, worker Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecordPanic("gateway_shard")
			m.logger.Error("Shard worker panicked",
				zap.Int("shard", s.index),
				zap.String("panic", fmt.Sprint(r)),
			)
			s.events <- Close{Code: CloseWorkerPanic, Reason: fmt.Sprintf("worker panic: %v", r)}
			err = nil
		}
	}()

	err = worker.Run(m.ctx, s.commands, s.events)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("gateway: shard %d: %w", s.index, err)
	}
	return nil
}

// pump handles one shard's events in the order the worker produced them.
func (m *Manager) pump(s *shard) {
	for event := range s.events {
		switch ev := event.(type) {
		case Dispatch:
			s.dispatching.Store(true)
			m.handleDispatch(s, ev)
			s.dispatching.Store(false)
		case AdvanceConnect:
			m.handleAdvance(s, ev)
		case Close:
			m.handleClose(s, ev)
		}
	}
}

func (m *Manager) handleDispatch(s *shard, ev Dispatch) {
	name, err := Recognize(ev.Name)
	if err != nil {
		m.onFatal(&UnrecognizedEventError{Shard: s.index, Name: ev.Name})
		return
	}

	if name == EventReady || name == EventResumed {
		m.mu.Lock()
		if s.state == ShardReconnecting {
			s.state = ShardConnected
		}
		m.mu.Unlock()
	}

	metrics.RecordDispatch(string(name))
	m.emitter.Emit(s.index, name, ev.Data)
}

func (m *Manager) handleAdvance(s *shard, ev AdvanceConnect) {
	m.mu.Lock()
	if s.state == ShardConnected {
		m.mu.Unlock()
		m.logger.Debug("Ignoring repeated connect advance", zap.Int("shard", s.index))
		return
	}
	s.state = ShardConnected
	connected := m.connectedCountLocked()

	last := s.index == len(m.shards)-1
	if last && m.state == StateSequencing {
		m.state = StateAllConnected
		close(m.connected)
	}
	m.mu.Unlock()

	metrics.SetShardsConnected(connected)
	m.logger.Info("Shard connected",
		zap.Int("shard", s.index),
		zap.Int("total", len(m.shards)),
	)
	if last {
		return
	}

	next := m.shards[s.index+1]
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		if m.stagger > 0 {
			select {
			case <-m.after(m.stagger):
			case <-m.ctx.Done():
				return
			}
		}

		m.mu.Lock()
		if next.state == ShardPending {
			next.state = ShardConnecting
		}
		m.mu.Unlock()
		m.send(next, Connect{Token: ev.Token})
	}()
}

func (m *Manager) handleClose(s *shard, ev Close) {
	m.mu.Lock()
	if ev.Reconnecting {
		s.state = ShardReconnecting
	} else {
		s.state = ShardClosed
	}
	connected := m.connectedCountLocked()
	m.mu.Unlock()

	metrics.RecordShardClose(s.index, ev.Code)
	metrics.SetShardsConnected(connected)
	m.logger.Warn("Shard closed",
		zap.Int("shard", s.index),
		zap.Int("code", ev.Code),
		zap.String("reason", ev.Reason),
		zap.Bool("reconnecting", ev.Reconnecting),
	)
}

func (m *Manager) connectedCountLocked() int {
	count := 0
	for _, s := range m.shards {
		if s.state == ShardConnected {
			count++
		}
	}
	return count
}

func (m *Manager) exitOnFatal(err error) {
	ctx := apperrors.WithCorrelationID(context.Background(), apperrors.NewCorrelationID())
	apperrors.ExitWithCode(m.logger, foundry.ExitFailure, "Unrecognized gateway dispatch event", apperrors.Envelope(ctx, err))
}
