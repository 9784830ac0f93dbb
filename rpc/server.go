package rpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Reply is a handler's answer to a request. Fields are merged over the echoed request frame.
type Reply struct {
	Result int
	Fields map[string]any

	// Then runs after the reply frame has been written, on the connection's reader goroutine.
	Then func(ctx context.Context)
}

// Handler answers request frames. An error is sent to the frontend as ResultError.
type Handler interface {
	HandleRequest(ctx context.Context, kind Kind, req *Message) (*Reply, error)
}

type HandlerFunc func(ctx context.Context, kind Kind, req *Message) (*Reply, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, kind Kind, req *Message) (*Reply, error) {
	return f(ctx, kind, req)
}

// Server is the backend half of the protocol. It is an http.Handler that upgrades to WebSocket.
// Requests on every connection are answered, but only the most recently accepted
// connection receives pushes.
type Server struct {
	log     *zap.SugaredLogger
	handler Handler

	mu       sync.Mutex
	current  *session
	sessions map[*session]struct{}
}

type session struct {
	id  string
	log *zap.SugaredLogger
	fc  *frameConn
}

func NewServer(log *zap.SugaredLogger, handler Handler) *Server {
	return &Server{
		log:      log.Named("rpc_server"),
		handler:  handler,
		sessions: map[*session]struct{}{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
		// The UI runtime connects from a file:// origin to a loopback listener.
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}

	id := uuid.NewString()
	log := s.log.With("ClientID", id)
	sess := &session{id: id, log: log, fc: newFrameConn(log, wsConn)}

	s.mu.Lock()
	prev := s.current
	s.current = sess
	s.sessions[sess] = struct{}{}
	s.mu.Unlock()

	if prev != nil {
		log.Infow("client superseded previous client", "PreviousClientID", prev.id)
	} else {
		log.Info("client connected")
	}

	s.serve(r.Context(), sess)

	s.mu.Lock()
	delete(s.sessions, sess)
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()
}

func (s *Server) serve(ctx context.Context, sess *session) {
	for {
		msg, err := sess.fc.read(ctx)
		if errors.Is(err, errMalformed) {
			sess.log.Warnw("dropping malformed frame", "Error", err)
			continue
		}
		if err != nil {
			if status := websocket.CloseStatus(err); status != -1 {
				sess.log.Infow("client closed", "Status", status)
			} else {
				sess.log.Debugf("message reader got error: %s", err)
			}
			return
		}
		if msg.Request == "" {
			sess.log.Debugw("ignoring frame without request", "RequestID", msg.RequestID)
			continue
		}
		s.handle(ctx, sess, msg)
	}
}

func (s *Server) handle(ctx context.Context, sess *session, req *Message) {
	kind := ParseKind(req.Request)
	sess.log.Debugw("got request", "Request", req.Request, "RequestID", req.RequestID)

	out := req.Clone()
	reply, err := s.handler.HandleRequest(ctx, kind, req)
	if err != nil {
		sess.log.Errorw("request failed", "Request", req.Request, "Error", err)
		out.Result = ResultError
		if setErr := out.Set("error", err.Error()); setErr != nil {
			sess.log.Debugf("error encoding error field: %s", setErr)
		}
		reply = nil
	} else {
		if reply == nil {
			reply = &Reply{}
		}
		out.Result = reply.Result
		if out.Result == 0 {
			out.Result = ResultOK
		}
		for k, v := range reply.Fields {
			if setErr := out.Set(k, v); setErr != nil {
				sess.log.Errorw("error encoding reply field", "Field", k, "Error", setErr)
				out.Result = ResultError
			}
		}
	}

	if err := sess.fc.write(ctx, *out); err != nil {
		sess.log.Debugf("error writing reply: %s", err)
		return
	}
	if reply != nil && reply.Then != nil {
		reply.Then(ctx)
	}
}

// Connected reports whether a push target is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current != nil
}

// Push sends cmd to the most recently connected client.
func (s *Server) Push(ctx context.Context, cmd Command) error {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return ErrNoClient
	}
	msg, err := pushMessage(cmd)
	if err != nil {
		return err
	}
	if err := sess.fc.write(ctx, msg); err != nil {
		return fmt.Errorf("pushing %s to %s: %w", cmd.Kind, sess.id, err)
	}
	sess.log.Debugw("pushed command", "Command", cmd.Kind, "Resources", len(cmd.Resources))
	return nil
}

// CloseClients closes every open connection with code. Use StatusFinal to stop frontends from reconnecting.
func (s *Server) CloseClients(code websocket.StatusCode, reason string) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.fc.close(code, reason)
		}(sess)
	}
	wg.Wait()
}
