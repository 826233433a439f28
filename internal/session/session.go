// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package session maintains one long-lived listening connection to one
// mailbox. A Session connects through a Transport, hands every received
// message to its owner in arrival order, detects link loss and reconnects
// with a bounded number of attempts separated by a fixed backoff.
//
// State machine:
//
//	Disconnected -> Connecting -> Connected
//	Connected    -> Disconnected            (link loss)
//	Disconnected -> Retrying -> Connecting  (auto-recovery)
//	Retrying     -> Aborted                 (retries exhausted)
//
// Every state is left for Disconnected by Stop. Aborted is terminal until
// an explicit Start.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wedo/devicehandler/internal/models"
)

// Status is the connection state of a session.
type Status int

const (
	Disconnected Status = iota
	Connecting
	Connected
	Retrying
	Aborted
)

func (s Status) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Retrying:
		return "retrying"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Sink receives what an open connection produces.
type Sink interface {
	// Message is called once per fetched message, in fetch order.
	Message(msg models.RawMessage)
	// Error reports a transport error that does not end the connection.
	Error(err error)
}

// Conn is an open connection to a message source.
type Conn interface {
	// Listen blocks, feeding sink, until ctx is cancelled or the link is
	// lost. A nil return with ctx still live is treated as link loss.
	Listen(ctx context.Context, sink Sink) error
	Close() error
}

// Transport opens connections. The ctx passed to Connect bounds the connect
// and authentication phase only; the returned Conn must outlive it.
type Transport interface {
	Connect(ctx context.Context) (Conn, error)
}

// ErrLinkClosed is reported when Listen returns without an error.
var ErrLinkClosed = errors.New("connection closed by peer")

// Config configures a Session. Callbacks are optional and are invoked from
// the session goroutine, except OnStatus which may also run from Start/Stop.
type Config struct {
	Transport      Transport
	RetryBackoff   time.Duration
	MaxRetries     int
	ConnectTimeout time.Duration
	Logger         *slog.Logger

	OnMessage      func(ctx context.Context, msg models.RawMessage)
	OnConnected    func()
	OnDisconnected func(err error)
	OnError        func(err error)
	OnAborted      func()
	OnReconnect    func(attempt, remaining int)
	OnStatus       func(status Status)
}

// Session owns one connection and its retry state. Its state is only
// mutated by its own goroutine and by Start/Stop.
type Session struct {
	cfg Config
	log *slog.Logger

	mu               sync.Mutex
	status           Status
	retriesRemaining int
	retrying         bool
	cancel           context.CancelFunc
	done             chan struct{}
}

// New creates a session in the Disconnected state.
func New(cfg Config) *Session {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		cfg:              cfg,
		log:              log,
		status:           Disconnected,
		retriesRemaining: cfg.MaxRetries,
	}
}

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RetriesRemaining returns how many reconnect attempts are left.
func (s *Session) RetriesRemaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retriesRemaining
}

// Start begins connecting in the background. It is a no-op while the
// session goroutine is running; after an abort it starts a fresh cycle.
// The session runs until Stop is called or ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	if s.cfg.Transport == nil {
		return fmt.Errorf("start session: no transport configured")
	}

	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	s.retrying = false
	s.status = Connecting
	s.mu.Unlock()

	s.notifyStatus(Connecting)
	go s.run(runCtx, done)
	return nil
}

// Stop cancels any in-flight connect or pending retry, waits for the
// session goroutine to exit and leaves the session Disconnected. It is
// idempotent. If ctx expires first the session is still reported
// Disconnected and the cancelled goroutine exits on its own, but Stop
// returns ctx.Err().
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("stop session: %w", ctx.Err())
		}
	}

	// The goroutine's transitions check its cancelled ctx, so this state
	// is final even while it is still winding down.
	s.mu.Lock()
	s.retrying = false
	changed := s.status != Disconnected
	s.status = Disconnected
	s.mu.Unlock()

	if changed {
		s.notifyStatus(Disconnected)
	}
	return err
}

// run is the session goroutine.
func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.cancel()
			s.cancel, s.done = nil, nil
		}
		s.mu.Unlock()
		close(done)
	}()

	for {
		conn, err := s.connect(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			if !s.recover(ctx, err) {
				return
			}
			continue
		}

		s.connected(ctx)

		err = conn.Listen(ctx, &sink{s: s, ctx: ctx})
		if cerr := conn.Close(); cerr != nil {
			s.log.Debug("close connection", "error", cerr)
		}
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = ErrLinkClosed
		}
		if !s.recover(ctx, err) {
			return
		}
	}
}

func (s *Session) connect(ctx context.Context) (Conn, error) {
	connectCtx := ctx
	if s.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
	}
	return s.cfg.Transport.Connect(connectCtx)
}

// connected records a successful connection and resets the retry budget.
func (s *Session) connected(ctx context.Context) {
	if !s.transition(ctx, func() {
		s.status = Connected
		s.retrying = false
		s.retriesRemaining = s.cfg.MaxRetries
	}) {
		return
	}
	s.notifyStatus(Connected)
	if s.cfg.OnConnected != nil {
		s.cfg.OnConnected()
	}
}

// recover handles a connect failure or link loss: it reports the
// disconnection, enters (or continues) the retry cycle and waits out one
// backoff interval. It returns false when the session must end, either
// because ctx was cancelled or because the retry budget is exhausted.
func (s *Session) recover(ctx context.Context, cause error) bool {
	var remaining int
	var first bool
	if !s.transition(ctx, func() {
		s.status = Disconnected
		if !s.retrying {
			first = true
			s.retrying = true
			s.retriesRemaining = s.cfg.MaxRetries
		}
		remaining = s.retriesRemaining
	}) {
		return false
	}
	s.notifyStatus(Disconnected)
	if s.cfg.OnDisconnected != nil {
		s.cfg.OnDisconnected(cause)
	}

	if remaining <= 0 {
		if s.transition(ctx, func() {
			s.status = Aborted
			s.retrying = false
		}) {
			s.notifyStatus(Aborted)
			s.log.Warn("max retries reached, session aborted", "max_retries", s.cfg.MaxRetries)
			if s.cfg.OnAborted != nil {
				s.cfg.OnAborted()
			}
		}
		return false
	}

	if first {
		s.log.Info("connection lost, scheduling reconnect",
			"backoff", s.cfg.RetryBackoff,
			"retries", remaining,
			"error", cause,
		)
	}

	if !s.transition(ctx, func() { s.status = Retrying }) {
		return false
	}
	s.notifyStatus(Retrying)

	// One-shot timer per attempt; a new one is armed only after the
	// previous attempt has failed.
	timer := time.NewTimer(s.cfg.RetryBackoff)
	select {
	case <-ctx.Done():
		timer.Stop()
		return false
	case <-timer.C:
	}

	var attempt int
	if !s.transition(ctx, func() {
		s.retriesRemaining--
		remaining = s.retriesRemaining
		attempt = s.cfg.MaxRetries - remaining
		s.status = Connecting
	}) {
		return false
	}
	s.notifyStatus(Connecting)
	s.log.Debug("retrying connection", "attempt", attempt, "left", remaining)
	if s.cfg.OnReconnect != nil {
		s.cfg.OnReconnect(attempt, remaining)
	}
	return true
}

// transition applies fn under the lock unless ctx has been cancelled, so a
// stopped session goroutine never overwrites the state Stop leaves behind.
func (s *Session) transition(ctx context.Context, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	fn()
	return true
}

func (s *Session) notifyStatus(st Status) {
	if s.cfg.OnStatus != nil {
		s.cfg.OnStatus(st)
	}
}

// sink forwards connection output to the session callbacks.
type sink struct {
	s   *Session
	ctx context.Context
}

func (k *sink) Message(msg models.RawMessage) {
	if k.s.cfg.OnMessage != nil {
		k.s.cfg.OnMessage(k.ctx, msg)
	}
}

func (k *sink) Error(err error) {
	k.s.log.Error("transport error", "error", err)
	if k.s.cfg.OnError != nil {
		k.s.cfg.OnError(err)
	}
}
