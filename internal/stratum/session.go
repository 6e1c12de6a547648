package stratum

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/bardlex/ghostpool/pkg/log"
)

const outboundQueueSize = 100

var (
	ErrSessionClosed = errors.New("session closed")
	errOutboundFull  = errors.New("outbound queue full")
)

// Worker is one authorized (address, worker name) pair
type Worker struct {
	Address string
	Name    string
}

// MessageHandler handles parsed requests for a session
type MessageHandler interface {
	HandleMessage(ctx context.Context, session *Session, req *Request) error
}

// Session represents one miner connection
type Session struct {
	id     string
	conn   net.Conn
	logger *log.Logger

	maxMessageSize int
	idleTimeout    time.Duration
	writeTimeout   time.Duration

	mu         sync.RWMutex
	difficulty decimal.Decimal
	subscribed bool
	workers    map[Worker]struct{}

	sendMu   sync.Mutex
	ending   bool
	outbound chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

// SessionConfig holds per-connection limits
type SessionConfig struct {
	Difficulty     decimal.Decimal
	MaxMessageSize int
	IdleTimeout    time.Duration
	WriteTimeout   time.Duration
}

// NewSession creates a new session over conn
func NewSession(id string, conn net.Conn, cfg SessionConfig, logger *log.Logger) *Session {
	return &Session{
		id:             id,
		conn:           conn,
		logger:         logger.WithFields("session_id", id, "remote_addr", conn.RemoteAddr().String()),
		maxMessageSize: cfg.MaxMessageSize,
		idleTimeout:    cfg.IdleTimeout,
		writeTimeout:   cfg.WriteTimeout,
		difficulty:     cfg.Difficulty,
		workers:        make(map[Worker]struct{}),
		outbound:       make(chan []byte, outboundQueueSize),
		done:           make(chan struct{}),
	}
}

// Start serves the session until the peer disconnects, the session is
// closed or ctx is done.
func (s *Session) Start(ctx context.Context, handler MessageHandler) error {
	s.logger.LogConnection("connected", s.RemoteAddr())

	go s.writeLoop()
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()

	return s.readLoop(ctx, handler)
}

func (s *Session) readLoop(ctx context.Context, handler MessageHandler) error {
	defer s.Close()

	lines := newLineBuffer(s.maxMessageSize)
	buf := getReadBuffer()
	defer putReadBuffer(buf)

	for {
		if s.idleTimeout > 0 {
			if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
				return err
			}
		}

		n, readErr := s.conn.Read(*buf)
		if n > 0 {
			complete, err := lines.feed((*buf)[:n])
			for _, line := range complete {
				if !s.dispatch(ctx, handler, line) {
					return nil
				}
			}
			if err != nil {
				s.logger.Warn("closing connection", "reason", err.Error(), "buffered", lines.pending())
				return nil
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) || s.isClosed() {
				return nil
			}
			return readErr
		}
	}
}

// dispatch handles one line and reports whether reading should continue
func (s *Session) dispatch(ctx context.Context, handler MessageHandler, line []byte) bool {
	if s.isClosed() {
		return false
	}
	s.logger.LogStratumMessage("received", line)

	req, err := ParseRequest(line)
	if err != nil {
		s.logger.WithError(err).Warn("closing connection on malformed message")
		return false
	}

	if err := handler.HandleMessage(ctx, s, req); err != nil {
		s.logger.WithError(err).Debug("request failed", "method", req.Method)
	}
	return !s.isEnding()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if data == nil {
				s.Close()
				return
			}
			if s.writeTimeout > 0 {
				if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
					s.Close()
					return
				}
			}
			if _, err := s.conn.Write(data); err != nil {
				s.logger.WithError(err).Debug("write failed")
				s.Close()
				return
			}
			s.logger.LogStratumMessage("sent", data[:len(data)-1])
		}
	}
}

// Send queues a message for the peer. A peer that cannot keep up with its
// queue is disconnected.
func (s *Session) Send(msg any) error {
	data, err := encodeLine(msg)
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues an already encoded, newline terminated message
func (s *Session) SendRaw(data []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.ending || s.isClosed() {
		return ErrSessionClosed
	}

	select {
	case s.outbound <- data:
		return nil
	default:
		s.ending = true
		go s.Close()
		return errOutboundFull
	}
}

// End queues a final message and closes the connection once it is written
func (s *Session) End(msg any) error {
	data, err := encodeLine(msg)
	if err != nil {
		s.Close()
		return err
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if s.ending || s.isClosed() {
		return ErrSessionClosed
	}
	s.ending = true

	select {
	case s.outbound <- data:
	default:
		go s.Close()
		return errOutboundFull
	}
	select {
	case s.outbound <- nil:
	default:
		go s.Close()
	}
	return nil
}

func encodeLine(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return append(data, '\n'), nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if err := s.conn.Close(); err != nil {
			s.logger.WithError(err).Debug("failed to close connection")
		}
		s.logger.LogConnection("disconnected", s.RemoteAddr())
	})
}

// Done is closed when the session ends
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// isEnding reports whether the session is closed or about to close
func (s *Session) isEnding() bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.ending || s.isClosed()
}

func (s *Session) isClosed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// RemoteAddr returns the remote address of the client connection.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// IsSubscribed returns whether the session has completed mining.subscribe.
func (s *Session) IsSubscribed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.subscribed
}

func (s *Session) setSubscribed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = true
}

// Difficulty returns the share difficulty assigned to this session.
func (s *Session) Difficulty() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.difficulty
}

func (s *Session) addWorker(w Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers[w] = struct{}{}
}

// Workers returns a snapshot of the authorized workers.
func (s *Session) Workers() []Worker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	workers := make([]Worker, 0, len(s.workers))
	for w := range s.workers {
		workers = append(workers, w)
	}
	return workers
}

// HasAddress reports whether any worker of address is authorized here.
func (s *Session) HasAddress(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.workers {
		if w.Address == address {
			return true
		}
	}
	return false
}
