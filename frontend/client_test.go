package frontend

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/appdrive/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRetriesFailedSetup(t *testing.T) {
	var setups atomic.Int32
	var srv *rpc.Server
	srv = rpc.NewServer(log, rpc.HandlerFunc(func(ctx context.Context, kind rpc.Kind, req *rpc.Message) (*rpc.Reply, error) {
		switch kind {
		case rpc.KindPing:
			return &rpc.Reply{Result: rpc.ResultPong, Fields: map[string]any{"outboundStamp": time.Now().UnixMilli()}}, nil
		case rpc.KindSetup:
			if setups.Add(1) < 3 {
				return nil, errors.New("drive not ready")
			}
			return &rpc.Reply{Then: func(ctx context.Context) {
				_ = srv.Push(ctx, rpc.Command{Kind: rpc.KindLoadCSS, Resources: []rpc.Resource{{Location: "/x.css", Contents: ".x{}"}}})
			}}, nil
		}
		return &rpc.Reply{Result: rpc.ResultNotFound}, nil
	}))
	s := httptest.NewServer(srv)
	t.Cleanup(s.Close)

	done := make(chan *rpc.Message, 4)
	host := NewMemoryHost()
	c := New(strings.TrimPrefix(s.URL, "http://"),
		WithLogger(log),
		WithHost(host),
		WithSetupRetryDelay(5*time.Millisecond),
		WithSetupHandler(func(reply *rpc.Message) { done <- reply }),
	)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	select {
	case reply := <-done:
		assert.Equal(t, rpc.ResultOK, reply.Result)
	case <-time.After(10 * time.Second):
		t.Fatal("setup never succeeded")
	}
	assert.Equal(t, int32(3), setups.Load())

	require.Eventually(t, func() bool { return len(host.Elements()) == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, Element{Kind: rpc.KindLoadCSS, Location: "/x.css", Contents: ".x{}"}, host.Elements()[0])
	assert.Same(t, host, c.Host())
}

func TestClientPingsPeriodically(t *testing.T) {
	srv := rpc.NewServer(log, rpc.HandlerFunc(func(ctx context.Context, kind rpc.Kind, req *rpc.Message) (*rpc.Reply, error) {
		if kind == rpc.KindPing {
			return &rpc.Reply{Result: rpc.ResultPong, Fields: map[string]any{"outboundStamp": time.Now().UnixMilli()}}, nil
		}
		return &rpc.Reply{Result: rpc.ResultNotFound}, nil
	}))
	s := httptest.NewServer(srv)
	t.Cleanup(s.Close)

	var pings atomic.Int32
	c := New(strings.TrimPrefix(s.URL, "http://"),
		WithLogger(log),
		WithPingInterval(10*time.Millisecond),
		WithPingHandler(func(r rpc.PingResult) {
			if !r.Lost {
				pings.Add(1)
			}
		}),
	)
	require.NoError(t, c.Start())
	t.Cleanup(c.Stop)

	require.Eventually(t, func() bool { return pings.Load() >= 3 }, 10*time.Second, 5*time.Millisecond)
}

func TestClientStopIsFinal(t *testing.T) {
	c := New("127.0.0.1:1", WithLogger(log), WithChannelOptions(rpc.WithRetryDelay(time.Millisecond)))
	require.NoError(t, c.Start())
	c.Stop()
	assert.Equal(t, rpc.StateShutdown, c.Channel().State())
	assert.ErrorIs(t, c.Start(), rpc.ErrShutdown)

	_, err := c.Version(context.Background())
	assert.ErrorIs(t, err, rpc.ErrShutdown)
}
