// Package gateway is a client for persistent bot gateways that speak the
// op/s/t/d JSON frame protocol (QQ bot gateway and its relatives). It owns
// the identify/resume/heartbeat/reconnect cycle and reports everything it
// sees on an event channel.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrAlreadyConnected   = errors.New("gateway already connected")
	errReconnectRequested = errors.New("server requested reconnect")
	errInvalidSession     = errors.New("invalid session")
)

const (
	writeTimeout = 10 * time.Second
	maxFrameSize = 1 << 20
)

// URLResolver returns the websocket URL to dial, usually from a REST call.
type URLResolver func(ctx context.Context) (string, error)

// TokenSource returns the credential sent in Identify and Resume.
type TokenSource func(ctx context.Context) (string, error)

type Config struct {
	ResolveURL           URLResolver
	Token                TokenSource
	Intents              int
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	EventBuffer          int
	Dialer               *websocket.Dialer
	Logger               *slog.Logger
}

// link is one socket and the loops bound to it.
type link struct {
	gen        uint64
	conn       *websocket.Conn
	writeMu    sync.Mutex
	recvCancel context.CancelFunc
	recvDone   chan struct{}

	// guarded by Client.mu
	hbCancel context.CancelFunc
	hbDone   chan struct{}
}

func (l *link) writeJSON(v any) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.conn.WriteJSON(v)
}

type lostSignal struct {
	gen uint64
	err error
}

type Client struct {
	resolveURL  URLResolver
	token       TokenSource
	intents     int
	interval    time.Duration
	maxAttempts int
	dialer      *websocket.Dialer
	logger      *slog.Logger
	events      chan Event
	lost        chan lostSignal

	mu        sync.Mutex
	state     State
	sess      Session
	link      *link
	gen       uint64
	runCtx    context.Context
	runCancel context.CancelFunc
	superDone chan struct{}
}

func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	}
	return &Client{
		resolveURL:  cfg.ResolveURL,
		token:       cfg.Token,
		intents:     cfg.Intents,
		interval:    cfg.ReconnectInterval,
		maxAttempts: cfg.MaxReconnectAttempts,
		dialer:      cfg.Dialer,
		logger:      cfg.Logger,
		events:      make(chan Event, cfg.EventBuffer),
		lost:        make(chan lostSignal, 8),
	}
}

// Events delivers state changes and, while Ready, application dispatches.
// The channel is never closed.
func (c *Client) Events() <-chan Event {
	return c.events
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns a copy of the current gateway session.
func (c *Client) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// Connect dials the gateway and starts the receive loop and the reconnect
// supervisor. The connection lives until Disconnect; ctx bounds only the
// initial dial. A failed initial dial leaves the client Disconnected.
func (c *Client) Connect(ctx context.Context) error {
	if c.State() == StateFailed {
		c.Disconnect()
	}

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.runCtx, c.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx := c.runCtx
	c.mu.Unlock()

	c.transition(ctx, StateConnecting, nil)
	l, err := c.dial(ctx, runCtx)
	if err != nil {
		c.mu.Lock()
		c.runCancel()
		c.runCancel = nil
		c.mu.Unlock()
		c.transition(ctx, StateDisconnected, err)
		return fmt.Errorf("gateway connect: %w", err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.superDone = done
	c.mu.Unlock()
	go c.supervise(runCtx, l, done)
	return nil
}

// Disconnect stops the heartbeat loop, then the receive loop, then closes
// the socket. The gateway session is kept so a later Connect can resume.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.runCancel, c.superDone
	c.runCancel, c.superDone = nil, nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	ctx, stop := context.WithTimeout(context.Background(), time.Second)
	defer stop()
	c.transition(ctx, StateDisconnected, nil)
}

func (c *Client) dial(ctx, runCtx context.Context) (*link, error) {
	url, err := c.resolveURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve gateway url: %w", err)
	}
	conn, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxFrameSize)

	recvCtx, cancel := context.WithCancel(runCtx)
	c.mu.Lock()
	c.gen++
	l := &link{gen: c.gen, conn: conn, recvCancel: cancel, recvDone: make(chan struct{})}
	c.link = l
	c.mu.Unlock()

	c.logger.Info("gateway connected", "url", url)
	c.transition(runCtx, StateConnected, nil)
	go c.receive(recvCtx, l)
	return l, nil
}

// supervise owns the lifetime of every link after the first: it tears down
// lost links, reconnects, and tears down the last link on shutdown.
func (c *Client) supervise(ctx context.Context, l *link, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			c.teardown(l)
			return
		case sig := <-c.lost:
			if l == nil || sig.gen != l.gen {
				continue
			}
			c.logger.Warn("gateway connection lost", "err", sig.err)
			c.teardown(l)
			l = c.reconnect(ctx, sig.err)
			if l == nil {
				return
			}
		}
	}
}

// reconnect retries with a linear backoff (interval × attempt) until a dial
// succeeds, attempts run out (Failed) or ctx ends.
func (c *Client) reconnect(ctx context.Context, cause error) *link {
	for {
		c.mu.Lock()
		c.sess.ReconnectAttempts++
		attempt := c.sess.ReconnectAttempts
		c.mu.Unlock()

		if attempt > c.maxAttempts {
			c.logger.Error("gateway reconnect attempts exhausted", "attempts", attempt-1, "err", cause)
			c.transition(ctx, StateFailed, cause)
			return nil
		}
		c.transition(ctx, StateReconnecting, cause)

		delay := c.interval * time.Duration(attempt)
		c.logger.Info("gateway reconnecting", "attempt", attempt, "delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}

		l, err := c.dial(ctx, ctx)
		if err == nil {
			return l
		}
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Warn("gateway reconnect failed", "attempt", attempt, "err", err)
		cause = err
	}
}

// teardown cancels the heartbeat, then the receive loop, then closes the
// socket and waits for both loops to exit.
func (c *Client) teardown(l *link) {
	if l == nil {
		return
	}
	c.mu.Lock()
	hbCancel, hbDone := l.hbCancel, l.hbDone
	l.hbCancel, l.hbDone = nil, nil
	if c.link == l {
		c.link = nil
	}
	c.mu.Unlock()

	if hbCancel != nil {
		hbCancel()
		<-hbDone
	}
	l.recvCancel()
	l.writeMu.Lock()
	_ = l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	l.writeMu.Unlock()
	_ = l.conn.Close()
	<-l.recvDone

	// a Hello handled while we were stopping may have started a new heartbeat
	c.mu.Lock()
	hbCancel, hbDone = l.hbCancel, l.hbDone
	l.hbCancel, l.hbDone = nil, nil
	c.mu.Unlock()
	if hbCancel != nil {
		hbCancel()
		<-hbDone
	}
}

func (c *Client) connectionLost(l *link, err error) {
	select {
	case c.lost <- lostSignal{gen: l.gen, err: err}:
	default:
		c.logger.Warn("gateway lost signal dropped", "err", err)
	}
}

func (c *Client) receive(ctx context.Context, l *link) {
	defer close(l.recvDone)
	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.connectionLost(l, fmt.Errorf("read: %w", err))
			}
			return
		}
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			c.logger.Warn("gateway frame decode failed", "err", err)
			continue
		}
		if stop := c.handleFrame(ctx, l, f); stop {
			return
		}
	}
}

// handleFrame processes one inbound frame and reports whether the receive
// loop should stop reading from this link.
func (c *Client) handleFrame(ctx context.Context, l *link, f Frame) bool {
	if f.S > 0 {
		c.mu.Lock()
		if f.S > c.sess.LastSequence {
			c.sess.LastSequence = f.S
		}
		c.mu.Unlock()
	}

	switch f.Op {
	case OpHello:
		var hello helloData
		if err := json.Unmarshal(f.D, &hello); err != nil || hello.HeartbeatInterval <= 0 {
			c.logger.Warn("gateway hello without heartbeat interval", "err", err)
			hello.HeartbeatInterval = 41250
		}
		interval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
		c.startHeartbeat(l, interval)
		if err := c.authenticate(ctx, l); err != nil {
			c.connectionLost(l, err)
			return true
		}

	case OpDispatch:
		c.handleDispatch(ctx, f)

	case OpHeartbeatAck:
		c.mu.Lock()
		c.sess.LastHeartbeatAck = time.Now()
		c.mu.Unlock()

	case OpHeartbeat:
		if err := c.sendHeartbeat(l); err != nil {
			c.logger.Warn("gateway heartbeat reply failed", "err", err)
		}

	case OpReconnect:
		c.logger.Info("gateway reconnect requested")
		c.connectionLost(l, errReconnectRequested)
		return true

	case OpInvalidSession:
		c.mu.Lock()
		c.sess.SessionID = ""
		c.sess.LastSequence = 0
		c.mu.Unlock()
		c.logger.Warn("gateway session invalidated, will re-identify")
		c.connectionLost(l, errInvalidSession)
		return true

	default:
		c.logger.Debug("gateway opcode ignored", "op", f.Op, "t", f.T)
	}
	return false
}

func (c *Client) handleDispatch(ctx context.Context, f Frame) {
	switch f.T {
	case EventReady:
		var ready readyData
		if err := json.Unmarshal(f.D, &ready); err != nil {
			c.logger.Warn("gateway READY decode failed", "err", err)
		}
		c.mu.Lock()
		c.sess.SessionID = ready.SessionID
		c.sess.ReconnectAttempts = 0
		c.mu.Unlock()
		c.logger.Info("gateway ready", "session", ready.SessionID, "bot", ready.User.Username)
		c.transition(ctx, StateReady, nil)
	case EventResumed:
		c.mu.Lock()
		c.sess.ReconnectAttempts = 0
		c.mu.Unlock()
		c.logger.Info("gateway session resumed")
		c.transition(ctx, StateReady, nil)
	}

	if c.State() != StateReady {
		c.logger.Debug("gateway dispatch before ready dropped", "t", f.T)
		return
	}
	c.emit(ctx, Event{Kind: EventDispatch, Type: f.T, Seq: f.S, Data: f.D})
}

// authenticate sends Resume when a session id is known, Identify otherwise.
func (c *Client) authenticate(ctx context.Context, l *link) error {
	token, err := c.token(ctx)
	if err != nil {
		return fmt.Errorf("gateway token: %w", err)
	}
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()

	if sess.SessionID != "" {
		c.logger.Info("gateway resuming", "session", sess.SessionID, "seq", sess.LastSequence)
		return l.writeJSON(outFrame{Op: OpResume, D: resumeData{
			Token: token, SessionID: sess.SessionID, Seq: sess.LastSequence,
		}})
	}
	c.logger.Info("gateway identifying", "intents", c.intents)
	return l.writeJSON(outFrame{Op: OpIdentify, D: identifyData{
		Token: token, Intents: c.intents, Shard: [2]int{0, 1},
		Properties: map[string]string{"$os": "linux", "$browser": "chatrelay", "$device": "chatrelay"},
	}})
}

func (c *Client) startHeartbeat(l *link, interval time.Duration) {
	c.mu.Lock()
	prevCancel, prevDone := l.hbCancel, l.hbDone
	hbCtx, cancel := context.WithCancel(c.runCtx)
	done := make(chan struct{})
	l.hbCancel, l.hbDone = cancel, done
	c.sess.HeartbeatInterval = interval
	c.mu.Unlock()

	if prevCancel != nil {
		prevCancel()
		<-prevDone
	}
	go c.heartbeat(hbCtx, l, interval, done)
}

// heartbeat runs independently of the receive loop; a failed write is
// logged and the next tick tries again.
func (c *Client) heartbeat(ctx context.Context, l *link, interval time.Duration, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.sendHeartbeat(l); err != nil {
				c.logger.Warn("gateway heartbeat failed", "err", err)
			}
		}
	}
}

func (c *Client) sendHeartbeat(l *link) error {
	c.mu.Lock()
	seq := c.sess.LastSequence
	c.mu.Unlock()

	var d any
	if seq > 0 {
		d = seq
	}
	return l.writeJSON(outFrame{Op: OpHeartbeat, D: d})
}

func (c *Client) transition(ctx context.Context, to State, cause error) {
	c.mu.Lock()
	from := c.state
	if !canTransition(from, to) {
		c.mu.Unlock()
		if from != to {
			c.logger.Debug("gateway transition ignored", "from", from, "to", to)
		}
		return
	}
	c.state = to
	c.mu.Unlock()

	c.logger.Debug("gateway state", "from", from, "to", to)
	c.emit(ctx, Event{Kind: EventStateChange, From: from, To: to, Err: cause})
}

func (c *Client) emit(ctx context.Context, ev Event) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		c.logger.Debug("gateway event dropped", "kind", ev.Kind, "type", ev.Type)
	}
}
