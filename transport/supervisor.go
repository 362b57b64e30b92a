package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the connection state of the supervisor.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

// StateChange notifies the coordinator of a connection state transition.
// Err is set for reconnecting (the triggering failure) and failed (the
// terminal reason). Attempt is the number of dial attempts completed in
// the current connect cycle.
type StateChange struct {
	State   State
	Err     error
	Attempt int
}

// Listener receives supervisor notifications. Both methods are called from
// supervisor goroutines; the listener serializes them itself.
type Listener interface {
	OnConnectionState(change StateChange)
	OnFrame(data []byte)
}

// ErrMaxAttempts is the terminal reason after the retry budget runs out.
var ErrMaxAttempts = errors.New("max reconnect attempts reached")

// Config controls supervisor timing. Zero values take the defaults.
type Config struct {
	Endpoint       string
	Token          string
	ConnectTimeout time.Duration // per-attempt dial deadline, default 5s
	BaseDelay      time.Duration // first retry delay, default 2s
	MaxAttempts    int           // attempts per cycle, default 5
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	return c
}

// BackoffDelay returns the delay before retry n (1-based): base doubled
// for each retry after the first.
func BackoffDelay(base time.Duration, retry int) time.Duration {
	return base << (retry - 1)
}

// Supervisor owns the socket lifecycle: dialing, failure detection,
// exponential-backoff retries, and the terminal failed state. It knows
// nothing about message content; frames pass through untouched.
type Supervisor struct {
	dialer   Dialer
	cfg      Config
	listener Listener

	mu         sync.Mutex
	state      State
	attempt    int // dial attempts completed in the current cycle
	socket     Socket
	retryTimer *time.Timer
	gen        uint64 // connection generation, invalidates stale callbacks
}

// NewSupervisor creates a supervisor in the disconnected state.
func NewSupervisor(dialer Dialer, cfg Config, listener Listener) *Supervisor {
	return &Supervisor{
		dialer:   dialer,
		cfg:      cfg.withDefaults(),
		listener: listener,
		state:    StateDisconnected,
	}
}

// State returns the current connection state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect starts a connect cycle. No-op while already connecting or
// connected; from any other state (including terminal failed) it resets
// the attempt counter and dials immediately.
func (s *Supervisor) Connect() {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return
	}
	s.stopRetryTimerLocked()
	s.attempt = 0
	s.gen++
	gen := s.gen
	notify := s.setStateLocked(StateConnecting, nil)
	s.mu.Unlock()

	s.emit(notify)
	go s.dial(gen)
}

// Disconnect closes the socket and cancels all timers. User-initiated:
// no automatic reconnection follows.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.stopRetryTimerLocked()
	s.gen++
	sck := s.socket
	s.socket = nil
	notify := s.setStateLocked(StateDisconnected, nil)
	s.mu.Unlock()

	if sck != nil {
		sck.Close()
	}
	s.emit(notify)
}

func (s *Supervisor) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	sck, err := s.dialer.Dial(ctx, s.cfg.Endpoint, s.cfg.Token)

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if sck != nil {
			sck.Close()
		}
		return
	}

	if err != nil {
		s.handleFailureLocked(err)
		return
	}

	s.socket = sck
	s.attempt = 0
	notify := s.setStateLocked(StateConnected, nil)
	s.mu.Unlock()

	s.emit(notify)
	go s.readLoop(gen, sck)
}

// handleFailureLocked drives the retry path. Called with mu held; unlocks.
func (s *Supervisor) handleFailureLocked(cause error) {
	s.attempt++
	attempt := s.attempt

	if attempt >= s.cfg.MaxAttempts {
		reason := fmt.Errorf("%w after %d attempts: %w", ErrMaxAttempts, attempt, cause)
		notify := s.setStateLocked(StateFailed, reason)
		s.mu.Unlock()
		s.emit(notify)
		return
	}

	delay := BackoffDelay(s.cfg.BaseDelay, attempt)
	gen := s.gen
	s.retryTimer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		if gen != s.gen {
			s.mu.Unlock()
			return
		}
		s.retryTimer = nil
		s.mu.Unlock()
		s.dial(gen)
	})

	notify := s.setStateLocked(StateReconnecting, cause)
	s.mu.Unlock()

	slog.Info("connection attempt failed, retrying",
		"attempt", attempt, "delay", delay, "error", cause)
	s.emit(notify)
}

func (s *Supervisor) readLoop(gen uint64, sck Socket) {
	for data := range sck.Frames() {
		s.mu.Lock()
		stale := gen != s.gen
		s.mu.Unlock()
		if stale {
			return
		}
		s.listener.OnFrame(data)
	}

	cause := sck.Err()
	if cause == nil {
		cause = errors.New("connection closed")
	}

	s.mu.Lock()
	if gen != s.gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.socket = nil
	// Unexpected drop while connected: the implicit attempt just failed.
	s.handleFailureLocked(cause)
}

// Send forwards a frame over the current socket. Fails when not connected.
func (s *Supervisor) Send(ctx context.Context, data []byte) error {
	s.mu.Lock()
	sck := s.socket
	state := s.state
	s.mu.Unlock()

	if state != StateConnected || sck == nil {
		return fmt.Errorf("send while %s", state)
	}
	return sck.Send(ctx, data)
}

func (s *Supervisor) stopRetryTimerLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Supervisor) setStateLocked(state State, err error) StateChange {
	s.state = state
	return StateChange{State: state, Err: err, Attempt: s.attempt}
}

func (s *Supervisor) emit(change StateChange) {
	s.listener.OnConnectionState(change)
}
