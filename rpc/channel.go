package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// State is the connection state of a Channel.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateShutdown:
		return "shutdown"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Callback receives the outcome of a request. A non-nil err marks the request as failed;
// reply is non-nil whenever a reply frame arrived, including replies with ResultError.
type Callback func(reply *Message, err error)

// PingResult is the outcome of a liveness probe.
type PingResult struct {
	Lost    bool
	Latency time.Duration
}

// Channel is the frontend half of the protocol. It owns at most one connection at a time.
//
// Callbacks and hooks run on the goroutine that resolved them: the caller of Send for
// immediate failures, the reader goroutine for replies and pushes, or a timer goroutine for timeouts.
type Channel struct {
	log *zap.SugaredLogger
	url string

	retryDelay     time.Duration
	requestTimeout time.Duration
	dialTimeout    time.Duration

	onOpen    func()
	onCommand func(Command)

	// now is the source for correlation ids and ping stamps.
	now func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	state      State
	conn       *frameConn
	connCancel context.CancelFunc
	retryTimer *time.Timer
	lastErr    error
	lastID     int64
	pending    map[int64]*pendingRequest
}

type pendingRequest struct {
	id    int64
	kind  Kind
	cb    Callback
	timer *time.Timer
}

const (
	DefaultRetryDelay     = 5 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultDialTimeout    = 5 * time.Second
)

type ChannelOption func(c *Channel)

// WithRetryDelay sets the fixed delay between a dropped connection and the next dial.
func WithRetryDelay(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.retryDelay = d
	}
}

// WithRequestTimeout bounds how long a request waits for its reply.
func WithRequestTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.requestTimeout = d
	}
}

func WithDialTimeout(d time.Duration) ChannelOption {
	return func(c *Channel) {
		c.dialTimeout = d
	}
}

func WithChannelLogger(l *zap.SugaredLogger) ChannelOption {
	return func(c *Channel) {
		c.log = l.Named("channel")
	}
}

// WithOpenHandler registers f to run each time a connection opens.
func WithOpenHandler(f func()) ChannelOption {
	return func(c *Channel) {
		c.onOpen = f
	}
}

// WithCommandHandler registers f to receive push commands.
func WithCommandHandler(f func(Command)) ChannelOption {
	return func(c *Channel) {
		c.onCommand = f
	}
}

// NewChannel builds a Channel for the backend at addr (host:port). It does not connect until Connect is called.
func NewChannel(addr string, opts ...ChannelOption) *Channel {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		log:            zap.NewNop().Sugar(),
		url:            "ws://" + addr,
		retryDelay:     DefaultRetryDelay,
		requestTimeout: DefaultRequestTimeout,
		dialTimeout:    DefaultDialTimeout,
		now:            time.Now,
		ctx:            ctx,
		cancel:         cancel,
		pending:        map[int64]*pendingRequest{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError is the most recent transport error, cleared when a connection opens.
func (c *Channel) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Pending is the number of outstanding requests.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Connect starts dialing the backend. It is a no-op if a connection is already open or being dialed.
func (c *Channel) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateShutdown:
		return ErrShutdown
	case StateDisconnected:
		c.startDialLocked()
	}
	return nil
}

func (c *Channel) startDialLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	c.state = StateConnecting
	c.wg.Add(1)
	go c.dial()
}

func (c *Channel) dial() {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer cancel()

	c.log.Debugw("dialing backend", "URL", c.url)
	wsConn, _, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		c.log.Debugf("dial error: %s", err)
		c.mu.Lock()
		c.lastErr = err
		if c.state != StateShutdown {
			c.scheduleRetryLocked()
		}
		c.mu.Unlock()
		return
	}
	fc := newFrameConn(c.log, wsConn)

	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		fc.close(StatusFinal, "shutdown")
		return
	}
	connCtx, connCancel := context.WithCancel(c.ctx)
	c.conn = fc
	c.connCancel = connCancel
	c.state = StateOpen
	c.lastErr = nil
	c.wg.Add(1)
	c.mu.Unlock()

	c.log.Info("connection open")
	go c.readMessages(connCtx, fc)

	if c.onOpen != nil {
		c.onOpen()
	}
}

func (c *Channel) scheduleRetryLocked() {
	c.state = StateDisconnected
	c.log.Debugf("reconnecting in %s", c.retryDelay)
	var t *time.Timer
	t = time.AfterFunc(c.retryDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.retryTimer != t || c.state != StateDisconnected {
			return
		}
		c.retryTimer = nil
		c.startDialLocked()
	})
	c.retryTimer = t
}

func (c *Channel) readMessages(ctx context.Context, fc *frameConn) {
	defer c.wg.Done()
	for {
		msg, err := fc.read(ctx)
		if errors.Is(err, errMalformed) {
			c.log.Warnw("dropping malformed frame", "Error", err)
			continue
		}
		if err != nil {
			c.handleClose(fc, err)
			return
		}
		c.dispatch(msg)
	}
}

// handleClose fails every pending request before the connection is forgotten, then
// schedules a reconnect unless the peer closed with StatusFinal.
func (c *Channel) handleClose(fc *frameConn, err error) {
	c.mu.Lock()
	if c.conn != fc {
		// Shutdown already took the conn and flushed its requests.
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.conn = nil
	c.connCancel()
	c.lastErr = err
	failed := c.drainPendingLocked()
	c.mu.Unlock()

	status := websocket.CloseStatus(err)
	c.log.Infow("connection closed", "Status", status, "Error", err, "FailedRequests", len(failed))
	for _, p := range failed {
		p.cb(nil, ErrClosed)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateClosing {
		return
	}
	if status == StatusFinal {
		c.state = StateDisconnected
		c.log.Info("backend closed with final status, not reconnecting")
		return
	}
	c.scheduleRetryLocked()
}

func (c *Channel) dispatch(msg *Message) {
	if msg.IsPush() {
		cmd, err := parseCommand(msg)
		if err != nil {
			c.log.Warnw("dropping push frame", "Command", msg.Command, "Error", err)
			return
		}
		if cmd.Kind == KindUnknown {
			c.log.Debugw("ignoring unknown command", "Command", msg.Command)
			return
		}
		if c.onCommand != nil {
			c.onCommand(cmd)
		}
		return
	}

	p := c.take(msg.RequestID)
	if p == nil {
		c.log.Debugw("ignoring reply for unknown request", "RequestID", msg.RequestID)
		return
	}
	var err error
	if msg.Result == ResultError {
		err = &RemoteError{Request: p.kind.String(), Result: msg.Result}
	}
	p.cb(msg, err)
}

// take removes and returns the pending request, or nil if it was already resolved.
func (c *Channel) take(id int64) *pendingRequest {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil
	}
	p.timer.Stop()
	return p
}

func (c *Channel) drainPendingLocked() []*pendingRequest {
	failed := make([]*pendingRequest, 0, len(c.pending))
	for id, p := range c.pending {
		p.timer.Stop()
		failed = append(failed, p)
		delete(c.pending, id)
	}
	return failed
}

// nextIDLocked derives a correlation id from the clock, stepping past ids that are
// pending or were already handed out.
func (c *Channel) nextIDLocked() int64 {
	id := c.now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	for {
		if _, ok := c.pending[id]; !ok {
			break
		}
		id++
	}
	c.lastID = id
	return id
}

// Send transmits a request and returns whether it was written. Requests are never queued:
// if the connection is not open, cb is invoked immediately with ErrNotOpen and nothing is sent.
// cb may be nil.
func (c *Channel) Send(kind Kind, fields map[string]any, cb Callback) bool {
	if cb == nil {
		cb = func(*Message, error) {}
	}

	frame := Message{Request: kind.String()}
	for k, v := range fields {
		if err := frame.Set(k, v); err != nil {
			cb(nil, err)
			return false
		}
	}

	c.mu.Lock()
	if c.state != StateOpen || c.conn == nil {
		err := ErrNotOpen
		if c.state == StateShutdown {
			err = ErrShutdown
		}
		c.mu.Unlock()
		cb(nil, err)
		return false
	}
	id := c.nextIDLocked()
	p := &pendingRequest{id: id, kind: kind, cb: cb}
	p.timer = time.AfterFunc(c.requestTimeout, func() { c.expire(id) })
	c.pending[id] = p
	fc := c.conn
	c.mu.Unlock()

	frame.RequestID = id
	err := fc.write(c.ctx, frame)
	if err != nil {
		c.log.Debugw("error sending request", "Request", kind, "RequestID", id, "Error", err)
		if p := c.take(id); p != nil {
			p.cb(nil, fmt.Errorf("sending %s: %w", kind, err))
		}
		return false
	}
	return true
}

func (c *Channel) expire(id int64) {
	p := c.take(id)
	if p == nil {
		return
	}
	c.log.Debugw("request timed out", "Request", p.kind, "RequestID", id)
	p.cb(nil, ErrTimeout)
}

// Request is the blocking form of Send.
func (c *Channel) Request(ctx context.Context, kind Kind, fields map[string]any) (*Message, error) {
	type result struct {
		reply *Message
		err   error
	}
	ch := make(chan result, 1)
	c.Send(kind, fields, func(reply *Message, err error) {
		ch <- result{reply: reply, err: err}
	})
	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ping sends a liveness probe. A lost ping is reported through cb and does not close the connection.
func (c *Channel) Ping(cb func(PingResult)) bool {
	return c.Send(KindPing, map[string]any{"inboundStamp": c.now().UnixMilli()}, func(reply *Message, err error) {
		res := PingResult{Lost: err != nil}
		if err == nil {
			var in, out int64
			_, inErr := reply.Get("inboundStamp", &in)
			_, outErr := reply.Get("outboundStamp", &out)
			if inErr == nil && outErr == nil {
				res.Latency = time.Duration(out-in) * time.Millisecond
			}
		}
		c.log.Debugw("ping", "Lost", res.Lost, "Latency", res.Latency)
		if cb != nil {
			cb(res)
		}
	})
}

// Shutdown closes the connection with StatusFinal, cancels any scheduled reconnect,
// fails outstanding requests with ErrShutdown and waits for background goroutines.
func (c *Channel) Shutdown() {
	c.mu.Lock()
	if c.state == StateShutdown {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.state = StateShutdown
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	fc := c.conn
	c.conn = nil
	failed := c.drainPendingLocked()
	c.mu.Unlock()

	for _, p := range failed {
		p.cb(nil, ErrShutdown)
	}
	if fc != nil {
		fc.close(StatusFinal, "shutdown")
	}
	c.cancel()
	c.wg.Wait()
	c.log.Info("channel shut down")
}
