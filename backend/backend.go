package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/appdrive/appdrive"
	"github.com/guseggert/appdrive/rpc"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const Version = "0.0.1"

// Backend is the service the UI runtime talks to. It owns discovery and answers
// requests over a single WebSocket endpoint.
type Backend struct {
	logger *zap.SugaredLogger

	listenAddr    string
	layout        appdrive.Layout
	watch         bool
	watchDebounce time.Duration

	scanner    *appdrive.Scanner
	rpcServer  *rpc.Server
	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

type Option func(b *Backend)

func WithListenAddr(s string) Option {
	return func(b *Backend) {
		b.listenAddr = s
	}
}

func WithLayout(l appdrive.Layout) Option {
	return func(b *Backend) {
		b.layout = l
	}
}

// WithWatch reruns discovery when volumes change, pushing resources to the connected frontend.
func WithWatch(debounce time.Duration) Option {
	return func(b *Backend) {
		b.watch = true
		b.watchDebounce = debounce
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Backend) {
		b.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(b *Backend) {
		b.logger = b.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a backend. Nothing is scanned or served until Run.
func New(opts ...Option) (*Backend, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger:     logger.Named("backend").Sugar(),
		listenAddr: rpc.DefaultAddr,
		layout:     appdrive.DefaultLayout(),
		ctx:        ctx,
		cancel:     cancel,
	}
	for _, o := range opts {
		o(b)
	}

	b.scanner = appdrive.NewScanner(b.logger, b.layout)
	b.rpcServer = rpc.NewServer(b.logger, rpc.HandlerFunc(b.handleRequest))

	router := httprouter.New()
	router.GET("/", b.socket)
	router.GET("/appdrive", b.appdrive)
	b.httpServer = &http.Server{Handler: router}

	return b, nil
}

// Scanner exposes the discovery state.
func (b *Backend) Scanner() *appdrive.Scanner {
	return b.scanner
}

// Addr is the bound listen address, or nil before Run has started listening.
func (b *Backend) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Run performs the initial discovery pass and serves until Stop is called.
func (b *Backend) Run() error {
	if _, err := b.scanner.Scan(); err != nil {
		return fmt.Errorf("initial discovery: %w", err)
	}

	listener, err := net.Listen("tcp", b.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	b.mu.Lock()
	b.listener = listener
	b.mu.Unlock()
	b.logger.Infow("listening", "Addr", listener.Addr().String(), "Version", Version)

	group, ctx := errgroup.WithContext(b.ctx)
	group.Go(func() error {
		err := b.httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	if b.watch {
		group.Go(func() error {
			return b.scanner.Watch(ctx, b.watchDebounce, b.onRescan)
		})
	}
	return group.Wait()
}

func (b *Backend) onRescan(reg *appdrive.Registry) {
	if !reg.Enabled || !b.rpcServer.Connected() {
		return
	}
	b.pushResources(b.ctx, reg)
}

// Stop closes client connections so frontends reconnect to the next backend, and stops serving.
func (b *Backend) Stop() error {
	b.cancel()
	b.rpcServer.CloseClients(websocket.StatusGoingAway, "backend stopping")
	return b.httpServer.Close()
}

func (b *Backend) socket(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	b.rpcServer.ServeHTTP(w, r)
}

// appdrive reports the registry from the last discovery pass.
func (b *Backend) appdrive(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	body, err := json.Marshal(b.scanner.Current())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(body)
}
