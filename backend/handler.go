package backend

import (
	"context"
	"time"

	"github.com/guseggert/appdrive/appdrive"
	"github.com/guseggert/appdrive/rpc"
)

func (b *Backend) handleRequest(ctx context.Context, kind rpc.Kind, req *rpc.Message) (*rpc.Reply, error) {
	switch kind {
	case rpc.KindPing:
		return &rpc.Reply{
			Result: rpc.ResultPong,
			Fields: map[string]any{"outboundStamp": time.Now().UnixMilli()},
		}, nil

	case rpc.KindVersion:
		return &rpc.Reply{Fields: map[string]any{"version": Version}}, nil

	case rpc.KindSetup:
		reg := b.scanner.Current()
		if !reg.Enabled {
			return &rpc.Reply{Result: rpc.ResultNotFound}, nil
		}
		return &rpc.Reply{
			Then: func(ctx context.Context) { b.pushResources(ctx, reg) },
		}, nil

	case rpc.KindAppDrive:
		reg, err := b.scanner.Scan()
		if err != nil {
			return nil, err
		}
		reply := &rpc.Reply{Fields: map[string]any{"appdrive": reg}}
		if !reg.Enabled {
			reply.Result = rpc.ResultNotFound
		}
		return reply, nil

	case rpc.KindLoadJS, rpc.KindLoadCSS, rpc.KindUnknown:
		b.logger.Debugw("unsupported request", "Request", req.Request)
		return &rpc.Reply{Result: rpc.ResultNotFound}, nil
	}
	return &rpc.Reply{Result: rpc.ResultNotFound}, nil
}

// pushResources sends the registry's scripts then its stylesheets to the connected frontend.
// Commands that would carry no files are not sent.
func (b *Backend) pushResources(ctx context.Context, reg *appdrive.Registry) {
	for _, cmd := range []rpc.Command{
		LoadCommand(b.logger, rpc.KindLoadJS, reg.Scripts()),
		LoadCommand(b.logger, rpc.KindLoadCSS, reg.Stylesheets()),
	} {
		if len(cmd.Resources) == 0 {
			continue
		}
		if err := b.rpcServer.Push(ctx, cmd); err != nil {
			b.logger.Warnw("unable to push resources", "Command", cmd.Kind, "Error", err)
		}
	}
}
