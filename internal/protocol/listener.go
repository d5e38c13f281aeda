package protocol

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHandshakeTimeout bounds the key exchange when no timeout is configured.
const DefaultHandshakeTimeout = 10 * time.Second

const acceptBackoff = 50 * time.Millisecond

// EventHandler is called for every event of an accepted session.
type EventHandler func(ctx context.Context, s *Session, ev Event)

// Listener accepts peer connections and runs a responder session on each.
type Listener struct {
	identity         *rsa.PrivateKey
	opts             Options
	logger           *logrus.Logger
	handshakeTimeout time.Duration
	onEvent          EventHandler

	mu       sync.Mutex
	sessions map[string]*Session
	wg       sync.WaitGroup
}

// NewListener creates a listener. onEvent may be nil.
func NewListener(identity *rsa.PrivateKey, opts Options, handshakeTimeout time.Duration, onEvent EventHandler) *Listener {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	if handshakeTimeout <= 0 {
		handshakeTimeout = DefaultHandshakeTimeout
	}
	return &Listener{
		identity:         identity,
		opts:             opts,
		logger:           logger,
		handshakeTimeout: handshakeTimeout,
		onEvent:          onEvent,
		sessions:         make(map[string]*Session),
	}
}

// Serve accepts connections on ln until ctx is cancelled, then closes ln and
// waits for every session to end. It returns nil after cancellation.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	l.logger.WithField("addr", ln.Addr().String()).Info("Accepting peer connections")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				l.wg.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			l.logger.WithError(err).Warn("Failed to accept peer connection")
			time.Sleep(acceptBackoff)
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handle(ctx, conn)
		}()
	}
}

// Active returns the number of established sessions.
func (l *Listener) Active() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sessions)
}

func (l *Listener) handle(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := l.logger.WithField("remote_addr", remote)

	if l.opts.Policy != nil {
		if ok, policy := l.opts.Policy.AdmitHost(remote); !ok {
			fields := logrus.Fields{}
			if policy != nil {
				fields["policy"] = policy.ID
			}
			logger.WithFields(fields).Warn("Peer host rejected by policy")
			conn.Close()
			return
		}
	}

	if l.opts.Metrics != nil {
		l.opts.Metrics.IncrementActiveConnections()
		defer l.opts.Metrics.DecrementActiveConnections()
	}

	s := NewSession(conn, l.identity, l.opts)
	defer s.Close()

	hctx, cancel := context.WithTimeout(ctx, l.handshakeTimeout)
	err := s.Handshake(hctx, RoleResponder)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("Peer handshake failed")
		return
	}

	l.track(s, true)
	defer l.track(s, false)

	logger = logger.WithFields(logrus.Fields{
		"session_id": s.ID,
		"peer":       s.PeerFingerprint(),
	})
	logger.Info("Peer session established")

	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	for ev := range s.Events() {
		if l.onEvent != nil {
			l.onEvent(ctx, s, ev)
		}
	}

	if err := <-errc; err != nil && !errors.Is(err, context.Canceled) {
		logger.WithError(err).Warn("Peer session ended with error")
		return
	}
	logger.Info("Peer session closed")
}

func (l *Listener) track(s *Session, add bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if add {
		l.sessions[s.ID] = s
	} else {
		delete(l.sessions, s.ID)
	}
}

// Dial connects to addr and completes the handshake as initiator. The
// timeout bounds both the connection and the handshake.
func Dial(ctx context.Context, addr string, identity *rsa.PrivateKey, opts Options, timeout time.Duration) (*Session, error) {
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	s := NewSession(conn, identity, opts)
	if err := s.Handshake(ctx, RoleInitiator); err != nil {
		s.Close()
		return nil, fmt.Errorf("handshake with %s failed: %w", addr, err)
	}
	return s, nil
}
