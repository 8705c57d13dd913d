// Package shard implements a gateway connection for one shard: it
// identifies or resumes, keeps the heartbeat, forwards dispatch events to the
// shard manager and reconnects on its own after a disconnect.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/denord/denord/internal/gateway"
	"github.com/denord/denord/internal/observability"
)

const (
	defaultHandshakeTimeout = 45 * time.Second
	defaultMinBackoff       = time.Second
	defaultMaxBackoff       = 2 * time.Minute

	// The gateway allows 120 sends per minute; heartbeats keep a share.
	commandsPerMinute = 110
	commandBurst      = 5

	libraryName = "denord"
)

// Close codes after which reconnecting cannot succeed.
var terminalCloseCodes = map[int]bool{
	4004: true, // authentication failed
	4010: true, // invalid shard
	4011: true, // sharding required
	4012: true, // invalid API version
	4013: true, // invalid intents
	4014: true, // disallowed intents
}

// Close codes that invalidate the session, forcing a fresh identify.
var sessionResetCodes = map[int]bool{
	4007: true, // invalid seq
	4009: true, // session timed out
}

var (
	errHeartbeatTimeout = errors.New("heartbeat not acknowledged")
	errReconnect        = errors.New("gateway requested reconnect")
	errInvalidSession   = errors.New("session invalidated")
)

// Config configures a Worker.
type Config struct {
	URL            string
	Compress       bool
	LargeThreshold int

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Dialer defaults to a dialer with a 45s handshake timeout.
	Dialer *websocket.Dialer
	Logger observability.Logger
}

// Worker is a gateway.Worker backed by a websocket connection.
type Worker struct {
	cfg     Config
	dialer  *websocket.Dialer
	logger  observability.Logger
	limiter *rate.Limiter

	shard   int
	total   int
	intents int
	token   string

	sessionID string
	seq       int64
	advanced  bool
}

// New returns a worker. Shard details arrive later in the Init command.
func New(cfg Config) *Worker {
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = defaultMinBackoff
	}
	if cfg.MaxBackoff < cfg.MinBackoff {
		cfg.MaxBackoff = defaultMaxBackoff
		if cfg.MaxBackoff < cfg.MinBackoff {
			cfg.MaxBackoff = cfg.MinBackoff
		}
	}

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	return &Worker{
		cfg:     cfg,
		dialer:  dialer,
		logger:  observability.OrNop(cfg.Logger),
		limiter: rate.NewLimiter(rate.Every(time.Minute/commandsPerMinute), commandBurst),
	}
}

// Factory returns a gateway worker constructor sharing cfg.
func Factory(cfg Config) func(shard int) gateway.Worker {
	return func(int) gateway.Worker {
		return New(cfg)
	}
}

// Run implements gateway.Worker.
func (w *Worker) Run(ctx context.Context, commands <-chan gateway.Command, events chan<- gateway.Event) error {
	if err := w.awaitConnect(ctx, commands); err != nil {
		return err
	}

	attempt := 0
	for {
		established, err := w.session(ctx, commands, events)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, reason := closeDetails(err)
		if sessionResetCodes[code] || errors.Is(err, errInvalidSession) {
			w.resetSession()
		}

		if terminalCloseCodes[code] {
			w.emit(ctx, events, gateway.Close{Code: code, Reason: reason})
			return fmt.Errorf("shard %d: gateway closed with %d: %s", w.shard, code, reason)
		}
		w.emit(ctx, events, gateway.Close{Code: code, Reason: reason, Reconnecting: true})

		if established {
			attempt = 0
		}
		delay := w.backoff(attempt)
		attempt++

		w.logger.Info("Reconnecting shard",
			zap.Int("shard", w.shard),
			zap.Int("code", code),
			zap.Duration("delay", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// awaitConnect consumes Init and waits for Connect.
func (w *Worker) awaitConnect(ctx context.Context, commands <-chan gateway.Command) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-commands:
			switch c := cmd.(type) {
			case gateway.Init:
				w.shard, w.total, w.intents = c.ShardIndex, c.TotalShards, c.Intents
			case gateway.Connect:
				w.token = c.Token
				return nil
			default:
				w.logger.Warn("Shard not connected, dropping command",
					zap.Int("shard", w.shard),
					zap.String("command", fmt.Sprintf("%T", cmd)),
				)
			}
		}
	}
}

type frameResult struct {
	payload *inbound
	err     error
}

// session runs one websocket connection until it ends. established reports
// whether the session reached READY or RESUMED.
func (w *Worker) session(ctx context.Context, commands <-chan gateway.Command, events chan<- gateway.Event) (established bool, err error) {
	conn, _, err := w.dialer.DialContext(ctx, w.cfg.URL, nil)
	if err != nil {
		return false, fmt.Errorf("dial gateway: %w", err)
	}
	defer func() {
		_ = conn.Close()
	}()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan frameResult)
	go w.readLoop(sessCtx, conn, frames)

	var (
		heartbeat <-chan time.Time
		acked     = true
	)

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
			return established, ctx.Err()

		case cmd := <-commands:
			if err := w.handleCommand(sessCtx, conn, cmd); err != nil {
				return established, err
			}

		case <-heartbeat:
			if !acked {
				return established, errHeartbeatTimeout
			}
			acked = false
			if err := w.sendHeartbeat(conn); err != nil {
				return established, err
			}

		case frame := <-frames:
			if frame.err != nil {
				return established, frame.err
			}
			p := frame.payload

			switch p.Op {
			case opHello:
				var h hello
				if err := json.Unmarshal(p.D, &h); err != nil || h.HeartbeatInterval <= 0 {
					return established, fmt.Errorf("invalid hello payload: %s", string(p.D))
				}
				ticker := time.NewTicker(time.Duration(h.HeartbeatInterval) * time.Millisecond)
				defer ticker.Stop()
				heartbeat = ticker.C

				if err := w.identifyOrResume(conn); err != nil {
					return established, err
				}

			case opHeartbeatAck:
				acked = true

			case opHeartbeat:
				if err := w.sendHeartbeat(conn); err != nil {
					return established, err
				}

			case opDispatch:
				if p.S != nil {
					w.seq = *p.S
				}
				switch p.T {
				case "READY":
					var ready readyPayload
					if err := json.Unmarshal(p.D, &ready); err == nil {
						w.sessionID = ready.SessionID
					}
					established = true
				case "RESUMED":
					established = true
				}

				if !w.emit(ctx, events, gateway.Dispatch{Name: p.T, Data: p.D}) {
					return established, ctx.Err()
				}
				if p.T == "READY" && !w.advanced {
					w.advanced = true
					if !w.emit(ctx, events, gateway.AdvanceConnect{Token: w.token}) {
						return established, ctx.Err()
					}
				}

			case opReconnect:
				return established, errReconnect

			case opInvalidSession:
				var resumable bool
				_ = json.Unmarshal(p.D, &resumable)
				if !resumable {
					return established, errInvalidSession
				}
				return established, errReconnect
			}
		}
	}
}

func (w *Worker) readLoop(ctx context.Context, conn *websocket.Conn, frames chan<- frameResult) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case frames <- frameResult{err: err}:
			case <-ctx.Done():
			}
			return
		}

		payload, err := decodeFrame(messageType, data)
		if err != nil {
			w.logger.Warn("Dropping undecodable gateway frame",
				zap.Int("shard", w.shard),
				zap.Error(err),
			)
			continue
		}

		select {
		case frames <- frameResult{payload: payload}:
		case <-ctx.Done():
			return
		}
	}
}

func (w *Worker) identifyOrResume(conn *websocket.Conn) error {
	if w.sessionID != "" {
		w.logger.Debug("Resuming session", zap.Int("shard", w.shard), zap.Int64("seq", w.seq))
		return conn.WriteJSON(outbound{Op: opResume, D: resume{
			Token:     w.token,
			SessionID: w.sessionID,
			Seq:       w.seq,
		}})
	}

	w.logger.Debug("Identifying", zap.Int("shard", w.shard), zap.Int("total", w.total))
	return conn.WriteJSON(outbound{Op: opIdentify, D: identify{
		Token: w.token,
		Properties: properties{
			OS:      runtime.GOOS,
			Browser: libraryName,
			Device:  libraryName,
		},
		Compress:       w.cfg.Compress,
		LargeThreshold: w.cfg.LargeThreshold,
		Shard:          [2]int{w.shard, w.total},
		Intents:        w.intents,
	}})
}

func (w *Worker) sendHeartbeat(conn *websocket.Conn) error {
	var seq *int64
	if w.seq > 0 {
		last := w.seq
		seq = &last
	}
	return conn.WriteJSON(outbound{Op: opHeartbeat, D: seq})
}

func (w *Worker) handleCommand(ctx context.Context, conn *websocket.Conn, cmd gateway.Command) error {
	var out outbound
	switch c := cmd.(type) {
	case gateway.RequestGuildMembers:
		out = outbound{Op: opRequestGuildMembers, D: c.Query}
	case gateway.UpdatePresence:
		out = outbound{Op: opPresenceUpdate, D: c.Presence}
	default:
		w.logger.Debug("Ignoring command while connected",
			zap.Int("shard", w.shard),
			zap.String("command", fmt.Sprintf("%T", cmd)),
		)
		return nil
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}
	return conn.WriteJSON(out)
}

func (w *Worker) emit(ctx context.Context, events chan<- gateway.Event, ev gateway.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (w *Worker) resetSession() {
	w.sessionID = ""
	w.seq = 0
}

func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.MinBackoff
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return delay
}

// closeDetails extracts the close code from a session error. Errors without
// a close frame count as an abnormal closure.
func closeDetails(err error) (int, string) {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Text
	}
	if err == nil {
		return websocket.CloseAbnormalClosure, "connection ended"
	}
	return websocket.CloseAbnormalClosure, err.Error()
}
