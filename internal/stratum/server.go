package stratum

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/bardlex/ghostpool/internal/metrics"
	"github.com/bardlex/ghostpool/pkg/log"
)

const limiterIdleTTL = 10 * time.Minute

// ServerConfig configures the listener
type ServerConfig struct {
	Addr           string
	Session        SessionConfig
	MaxConnections int
	ConnectRate    float64
	ConnectBurst   int
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Server accepts miner connections and dispatches their requests
type Server struct {
	cfg     ServerConfig
	stratum *Stratum
	logger  *log.Logger

	listener net.Listener
	sessions map[string]*Session
	mu       sync.RWMutex
	wg       sync.WaitGroup
	nextID   atomic.Uint64

	limMu    sync.Mutex
	limiters map[string]*ipLimiter
}

// NewServer creates a server dispatching to st
func NewServer(cfg ServerConfig, st *Stratum, logger *log.Logger) *Server {
	return &Server{
		cfg:      cfg,
		stratum:  st,
		logger:   logger.WithComponent("server"),
		sessions: make(map[string]*Session),
		limiters: make(map[string]*ipLimiter),
	}
}

// Start listens on the configured address and serves until ctx is done
func (srv *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", srv.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", srv.cfg.Addr, err)
	}
	return srv.Serve(ctx, listener)
}

// Serve accepts connections on listener until ctx is done
func (srv *Server) Serve(ctx context.Context, listener net.Listener) error {
	srv.mu.Lock()
	srv.listener = listener
	srv.mu.Unlock()

	srv.logger.Info("server listening", "address", listener.Addr().String())

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()
	go srv.sweepLimiters(ctx)

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			srv.logger.WithError(err).Error("failed to accept connection")
			continue
		}

		if !srv.admit(conn) {
			_ = conn.Close()
			continue
		}

		srv.wg.Add(1)
		go srv.handleConnection(ctx, conn)
	}
}

// Addr returns the listening address, or nil before Serve
func (srv *Server) Addr() net.Addr {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	if srv.listener == nil {
		return nil
	}
	return srv.listener.Addr()
}

func (srv *Server) admit(conn net.Conn) bool {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		host = conn.RemoteAddr().String()
	}

	if srv.cfg.ConnectRate > 0 {
		srv.limMu.Lock()
		l, ok := srv.limiters[host]
		if !ok {
			l = &ipLimiter{limiter: rate.NewLimiter(rate.Limit(srv.cfg.ConnectRate), max(srv.cfg.ConnectBurst, 1))}
			srv.limiters[host] = l
		}
		l.lastSeen = time.Now()
		allowed := l.limiter.Allow()
		srv.limMu.Unlock()

		if !allowed {
			srv.logger.Warn("connection rate exceeded", "remote_ip", host)
			return false
		}
	}

	if srv.cfg.MaxConnections > 0 && srv.SessionCount() >= srv.cfg.MaxConnections {
		srv.logger.Warn("connection limit reached", "limit", srv.cfg.MaxConnections)
		return false
	}
	return true
}

func (srv *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterIdleTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			srv.limMu.Lock()
			for host, l := range srv.limiters {
				if now.Sub(l.lastSeen) > limiterIdleTTL {
					delete(srv.limiters, host)
				}
			}
			srv.limMu.Unlock()
		}
	}
}

func (srv *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer srv.wg.Done()

	id := fmt.Sprintf("session_%d", srv.nextID.Add(1))
	session := NewSession(id, conn, srv.cfg.Session, srv.logger)

	srv.mu.Lock()
	srv.sessions[id] = session
	srv.mu.Unlock()
	metrics.SessionsConnected.Inc()

	defer func() {
		srv.stratum.Remove(session)
		srv.mu.Lock()
		delete(srv.sessions, id)
		srv.mu.Unlock()
		metrics.SessionsConnected.Dec()
	}()

	if err := session.Start(ctx, srv); err != nil && !errors.Is(err, context.Canceled) {
		srv.logger.WithError(err).Debug("session ended with error", "session_id", id)
	}
}

// SessionCount returns the number of open sessions
func (srv *Server) SessionCount() int {
	srv.mu.RLock()
	defer srv.mu.RUnlock()
	return len(srv.sessions)
}

// Shutdown closes the listener and every session, then waits for the
// connection goroutines to finish.
func (srv *Server) Shutdown(ctx context.Context) error {
	srv.logger.Info("shutting down server")

	srv.mu.RLock()
	if srv.listener != nil {
		if err := srv.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			srv.logger.WithError(err).Error("failed to close listener")
		}
	}
	for _, session := range srv.sessions {
		session.Close()
	}
	srv.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		srv.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		srv.logger.Info("all connections closed")
		return nil
	case <-ctx.Done():
		srv.logger.Warn("shutdown timeout exceeded")
		return ctx.Err()
	}
}

// HandleMessage dispatches one request
func (srv *Server) HandleMessage(ctx context.Context, session *Session, req *Request) error {
	switch req.Method {
	case MethodSubscribe:
		agent := ""
		if len(req.Params) > 0 {
			agent, _ = req.Params[0].(string)
		}
		err := srv.stratum.Subscribe(session, agent)
		return srv.reply(session, req, []any{true, ProtocolVersion}, err)

	case MethodAuthorize:
		params, err := req.stringParams(1)
		if err != nil {
			session.Close()
			return err
		}
		err = srv.stratum.Authorize(session, params[0])
		return srv.reply(session, req, true, err)

	case MethodSubmit:
		params, err := req.stringParams(3)
		if err != nil {
			session.Close()
			return err
		}
		err = srv.stratum.Submit(ctx, session, params[0], params[1], params[2])
		srv.recordShare(session, params[0], params[1], err)
		return srv.reply(session, req, true, err)

	default:
		srv.logger.Warn("unknown method", "method", req.Method, "session_id", session.ID())
		return srv.reply(session, req, nil, ErrUnknownMethod)
	}
}

// reply writes the response for err. Protocol errors keep the connection
// open; any other failure is reported with code 20 and ends it.
func (srv *Server) reply(session *Session, req *Request, result any, err error) error {
	if err == nil {
		return session.Send(NewResponse(req.ID, result))
	}

	var stratumErr *Error
	if errors.As(err, &stratumErr) {
		if sendErr := session.Send(NewErrorResponse(req.ID, stratumErr)); sendErr != nil {
			return sendErr
		}
		return err
	}

	srv.logger.WithError(err).Info("closing connection after failed request",
		"method", req.Method, "session_id", session.ID())
	if endErr := session.End(NewErrorResponse(req.ID, &Error{Code: ErrorOther, Message: err.Error()})); endErr != nil {
		session.Close()
	}
	return err
}

func (srv *Server) recordShare(session *Session, identity, jobID string, err error) {
	result := shareResult(err)
	metrics.Shares.WithLabelValues(result).Inc()
	if err == nil {
		return
	}
	address, _ := splitIdentity(identity)
	session.logger.LogShareSubmission(address, jobID, session.Difficulty().String(), result)
}

func shareResult(err error) string {
	var stratumErr *Error
	switch {
	case err == nil:
		return "accepted"
	case errors.As(err, &stratumErr):
		return stratumErr.Message
	default:
		return "error"
	}
}
