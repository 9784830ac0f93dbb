package frontend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/guseggert/appdrive/appdrive"
	"github.com/guseggert/appdrive/rpc"
	"go.uber.org/zap"
)

var ErrNoAppDrive = errors.New("backend has no appdrive")

// Client is the UI side: it keeps a channel to the backend, requests setup whenever a
// connection opens, and injects pushed resources into its Host.
type Client struct {
	log *zap.SugaredLogger

	host        Host
	channelOpts []rpc.ChannelOption

	setupRetryDelay time.Duration
	pingInterval    time.Duration
	onPing          func(rpc.PingResult)
	onSetup         func(reply *rpc.Message)

	channel  *rpc.Channel
	injector *Injector

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l.Named("frontend")
	}
}

// WithHost sets where resources are injected. The default is a MemoryHost.
func WithHost(h Host) Option {
	return func(c *Client) {
		c.host = h
	}
}

// WithChannelOptions passes options through to the underlying rpc.Channel.
func WithChannelOptions(opts ...rpc.ChannelOption) Option {
	return func(c *Client) {
		c.channelOpts = append(c.channelOpts, opts...)
	}
}

// WithSetupRetryDelay sets how soon a failed setup request is repeated.
func WithSetupRetryDelay(d time.Duration) Option {
	return func(c *Client) {
		c.setupRetryDelay = d
	}
}

// WithPingInterval sets how often liveness is probed while connected. Zero disables periodic pings.
func WithPingInterval(d time.Duration) Option {
	return func(c *Client) {
		c.pingInterval = d
	}
}

func WithPingHandler(f func(rpc.PingResult)) Option {
	return func(c *Client) {
		c.onPing = f
	}
}

// WithSetupHandler registers f to receive each successful setup reply.
func WithSetupHandler(f func(reply *rpc.Message)) Option {
	return func(c *Client) {
		c.onSetup = f
	}
}

func New(addr string, opts ...Option) *Client {
	c := &Client{
		log:             zap.NewNop().Sugar(),
		setupRetryDelay: 100 * time.Millisecond,
		pingInterval:    10 * time.Second,
		stop:            make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.host == nil {
		c.host = NewMemoryHost()
	}
	c.injector = NewInjector(c.log, c.host)

	channelOpts := append([]rpc.ChannelOption{
		rpc.WithChannelLogger(c.log),
		rpc.WithOpenHandler(c.onOpen),
		rpc.WithCommandHandler(c.onCommand),
	}, c.channelOpts...)
	c.channel = rpc.NewChannel(addr, channelOpts...)
	return c
}

func (c *Client) Channel() *rpc.Channel {
	return c.channel
}

func (c *Client) Host() Host {
	return c.host
}

// Start connects to the backend. Connection failures are retried in the background indefinitely.
func (c *Client) Start() error {
	if err := c.channel.Connect(); err != nil {
		return err
	}
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

// Stop shuts the channel down for good.
func (c *Client) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.wg.Wait()
	c.channel.Shutdown()
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) onOpen() {
	c.channel.Ping(c.reportPing)
	c.requestSetup()
}

func (c *Client) onCommand(cmd rpc.Command) {
	if err := c.injector.Apply(cmd); err != nil {
		c.log.Errorw("unable to apply command", "Command", cmd.Kind, "Error", err)
	}
}

func (c *Client) reportPing(res rpc.PingResult) {
	if c.onPing != nil {
		c.onPing(res)
	}
}

// requestSetup asks the backend to push its resources. Timeouts and remote errors are
// retried while the connection stays open; a dropped connection ends the attempt since
// the next open starts a new one.
func (c *Client) requestSetup() {
	c.channel.Send(rpc.KindSetup, nil, func(reply *rpc.Message, err error) {
		if err == nil {
			c.log.Infow("setup complete", "Result", reply.Result)
			if c.onSetup != nil {
				c.onSetup(reply)
			}
			return
		}
		if errors.Is(err, rpc.ErrClosed) || errors.Is(err, rpc.ErrNotOpen) || errors.Is(err, rpc.ErrShutdown) {
			c.log.Debugw("setup abandoned", "Error", err)
			return
		}
		c.log.Debugw("setup failed, retrying", "Error", err, "Delay", c.setupRetryDelay)
		time.AfterFunc(c.setupRetryDelay, func() {
			if c.stopped() || c.channel.State() != rpc.StateOpen {
				return
			}
			c.requestSetup()
		})
	})
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}
		if c.channel.State() == rpc.StateOpen {
			c.channel.Ping(c.reportPing)
		}
	}
}

// Version asks the backend for its version.
func (c *Client) Version(ctx context.Context) (string, error) {
	reply, err := c.channel.Request(ctx, rpc.KindVersion, nil)
	if err != nil {
		return "", err
	}
	var v string
	if _, err := reply.Get("version", &v); err != nil {
		return "", err
	}
	return v, nil
}

// AppDrive asks the backend to rerun discovery and returns the new registry.
func (c *Client) AppDrive(ctx context.Context) (*appdrive.Registry, error) {
	reply, err := c.channel.Request(ctx, rpc.KindAppDrive, nil)
	if err != nil {
		return nil, err
	}
	if reply.Result == rpc.ResultNotFound {
		return nil, ErrNoAppDrive
	}
	var reg appdrive.Registry
	found, err := reply.Get("appdrive", &reg)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("appdrive reply had no registry")
	}
	return &reg, nil
}
