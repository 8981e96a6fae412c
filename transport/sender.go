package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrTransferAborted indicates that the retry ceiling was exhausted and
// the session failed.
var ErrTransferAborted = errors.New("transfer aborted: retry ceiling exhausted")

// DefaultMaxRetries is the retry ceiling per frame send.
const DefaultMaxRetries = 4

// Frame is any wire unit that can serialize itself.
type Frame interface {
	Serialize() ([]byte, error)
}

// RetryFunc is invoked before each retry attempt with the attempt number
// (1-based) and the error that triggered it. Used by the client to emit
// retry span events.
type RetryFunc func(attempt int, err error)

// Sender moves frames to a receiver over TCP, retrying transient send
// failures with bounded exponential backoff. A send failure closes the
// connection and the next attempt re-dials; because the receiver keys
// sessions by session id rather than by connection, a resent frame lands
// in the same session and duplicates are discarded idempotently.
type Sender struct {
	addr       string
	ioTimeout  time.Duration
	maxRetries uint64
	onRetry    RetryFunc

	mu   sync.Mutex
	conn net.Conn
}

// SenderOption configures a Sender.
type SenderOption func(*Sender)

// WithIOTimeout sets the per-frame write deadline.
func WithIOTimeout(d time.Duration) SenderOption {
	return func(s *Sender) { s.ioTimeout = d }
}

// WithMaxRetries sets the retry ceiling per frame.
func WithMaxRetries(n uint64) SenderOption {
	return func(s *Sender) { s.maxRetries = n }
}

// WithRetryCallback sets a callback invoked before each retry attempt.
func WithRetryCallback(fn RetryFunc) SenderOption {
	return func(s *Sender) { s.onRetry = fn }
}

// NewSender creates a sender for the given address. The connection is
// established lazily on the first send.
func NewSender(addr string, opts ...SenderOption) *Sender {
	s := &Sender{
		addr:       addr,
		ioTimeout:  DefaultIOTimeout,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send serializes the frame and writes it, retrying transient failures
// with exponential backoff up to the configured ceiling. Exhausting the
// ceiling returns an error wrapping ErrTransferAborted.
func (s *Sender) Send(frame Frame) error {
	data, err := frame.Serialize()
	if err != nil {
		return err
	}

	attempt := 0
	operation := func() error {
		attempt++
		conn, err := s.getConn()
		if err != nil {
			return err
		}
		if err := WriteFrame(conn, data, s.ioTimeout); err != nil {
			s.dropConn()
			return err
		}
		return nil
	}

	notify := func(err error, _ time.Duration) {
		logrus.WithFields(logrus.Fields{
			"function": "Send",
			"addr":     s.addr,
			"attempt":  attempt,
			"error":    err.Error(),
		}).Warn("Frame send failed, retrying")
		if s.onRetry != nil {
			s.onRetry(attempt, err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	if err := backoff.RetryNotify(operation, backoff.WithMaxRetries(bo, s.maxRetries), notify); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferAborted, err)
	}
	return nil
}

// ReadResult blocks until the receiver reports a terminal verdict for a
// session on this connection.
func (s *Sender) ReadResult(timeout time.Duration) (*Result, error) {
	conn, err := s.getConn()
	if err != nil {
		return nil, err
	}

	packetType, payload, err := ReadFrame(conn, timeout)
	if err != nil {
		return nil, err
	}
	if packetType != PacketResult {
		return nil, fmt.Errorf("%w: expected result frame, got type %d", ErrMalformedFrame, packetType)
	}
	return ParseResult(payload)
}

// Close tears down the connection.
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Sender) getConn() (net.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return s.conn, nil
	}

	conn, err := net.DialTimeout("tcp", s.addr, s.ioTimeout)
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "getConn",
		"addr":     s.addr,
	}).Debug("Connected to receiver")

	s.conn = conn
	return conn, nil
}

func (s *Sender) dropConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}
