package amqp10

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/linkmux/internal/protocol"
	"github.com/glimte/linkmux/internal/reliability"
)

// RecoveryState is the state of a RecoveryCoordinator.
type RecoveryState int32

const (
	RecoveryStable RecoveryState = iota
	RecoveryReconnecting
	RecoveryResuming
	RecoveryFailedPermanently
)

func (s RecoveryState) String() string {
	switch s {
	case RecoveryStable:
		return "stable"
	case RecoveryReconnecting:
		return "reconnecting"
	case RecoveryResuming:
		return "resuming"
	case RecoveryFailedPermanently:
		return "failed-permanently"
	default:
		return fmt.Sprintf("RecoveryState(%d)", int32(s))
	}
}

// RecoveryListener receives recovery state change notifications
type RecoveryListener interface {
	OnRecoveryStateChanged(from, to RecoveryState, err error)
}

// RecoveryOption configures a RecoveryCoordinator
type RecoveryOption func(*RecoveryCoordinator)

// WithRetryPolicy sets the backoff applied between recovery attempts
func WithRetryPolicy(p reliability.RetryPolicy) RecoveryOption {
	return func(rc *RecoveryCoordinator) {
		rc.policy = p
	}
}

// WithRecoveryLogger sets the logger
func WithRecoveryLogger(logger *slog.Logger) RecoveryOption {
	return func(rc *RecoveryCoordinator) {
		rc.logger = logger
	}
}

// WithRecoveryMetrics sets the metrics collector
func WithRecoveryMetrics(m MetricsCollector) RecoveryOption {
	return func(rc *RecoveryCoordinator) {
		rc.metrics = m
	}
}

// DefaultRetryPolicy is the recovery backoff used when none is configured.
func DefaultRetryPolicy() reliability.RetryPolicy {
	return reliability.NewExponentialBackoff(100*time.Millisecond, 30*time.Second, 2.0, 10)
}

type pendingSession struct {
	session *Session
	links   []*Link
}

// RecoveryCoordinator watches a ConnectionManager and re-establishes
// sessions and links after transient failures. Sessions keep their IDs and
// links keep their names; unsettled sender deliveries are resubmitted and
// unsettled received deliveries are left to the peer's redelivery.
type RecoveryCoordinator struct {
	cm      *ConnectionManager
	sm      *SessionManager
	lm      *LinkManager
	tracker *SettlementTracker
	policy  reliability.RetryPolicy
	logger  *slog.Logger
	metrics MetricsCollector

	mu           sync.Mutex
	state        RecoveryState
	settled      chan struct{}
	failErr      error
	pending      map[uint64]*pendingSession
	disconnected bool
	attempt      atomic.Int64

	listeners   []RecoveryListener
	listenersMu sync.RWMutex

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	start  sync.Once
	stop   sync.Once
}

// NewRecoveryCoordinator creates a coordinator for the given managers.
func NewRecoveryCoordinator(cm *ConnectionManager, sm *SessionManager, lm *LinkManager, options ...RecoveryOption) *RecoveryCoordinator {
	ctx, cancel := context.WithCancel(context.Background())
	rc := &RecoveryCoordinator{
		cm:      cm,
		sm:      sm,
		lm:      lm,
		tracker: cm.Tracker(),
		policy:  DefaultRetryPolicy(),
		logger:  slog.Default(),
		metrics: NoopMetrics(),
		state:   RecoveryStable,
		settled: make(chan struct{}),
		pending: make(map[uint64]*pendingSession),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	close(rc.settled)

	for _, opt := range options {
		opt(rc)
	}
	return rc
}

// Start begins watching for failures.
func (rc *RecoveryCoordinator) Start() {
	rc.start.Do(func() {
		rc.cm.setObserver(rc)
		go rc.run()
	})
}

// Stop ends the coordinator and waits for an in-progress recovery to
// abandon.
func (rc *RecoveryCoordinator) Stop() {
	rc.stop.Do(func() {
		rc.cm.setObserver(nil)
		rc.cancel()
		rc.start.Do(func() { close(rc.done) })
	})
	<-rc.done
}

// State returns the current recovery state.
func (rc *RecoveryCoordinator) State() RecoveryState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Err returns the terminal error once recovery has failed permanently.
func (rc *RecoveryCoordinator) Err() error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.failErr
}

// Attempt returns the number of the reconnect attempt in progress, or of
// the last one made. It is zero while no recovery has been needed.
func (rc *RecoveryCoordinator) Attempt() int {
	return int(rc.attempt.Load())
}

// WaitStable blocks until no recovery is in progress. It returns the
// terminal error if recovery has failed permanently.
func (rc *RecoveryCoordinator) WaitStable(ctx context.Context) error {
	for {
		rc.mu.Lock()
		state, settled, failErr := rc.state, rc.settled, rc.failErr
		rc.mu.Unlock()

		switch state {
		case RecoveryStable:
			return nil
		case RecoveryFailedPermanently:
			return failErr
		}

		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddListener adds a recovery state listener
func (rc *RecoveryCoordinator) AddListener(listener RecoveryListener) {
	rc.listenersMu.Lock()
	defer rc.listenersMu.Unlock()
	rc.listeners = append(rc.listeners, listener)
}

// RemoveListener removes a recovery state listener
func (rc *RecoveryCoordinator) RemoveListener(listener RecoveryListener) {
	rc.listenersMu.Lock()
	defer rc.listenersMu.Unlock()

	for i, l := range rc.listeners {
		if l == listener {
			rc.listeners = append(rc.listeners[:i], rc.listeners[i+1:]...)
			break
		}
	}
}

func (rc *RecoveryCoordinator) notify(from, to RecoveryState, err error) {
	rc.listenersMu.RLock()
	defer rc.listenersMu.RUnlock()

	for _, listener := range rc.listeners {
		go listener.OnRecoveryStateChanged(from, to, err)
	}
}

func (rc *RecoveryCoordinator) setState(next RecoveryState, err error) {
	rc.mu.Lock()
	prev := rc.state
	if prev == next || prev == RecoveryFailedPermanently {
		rc.mu.Unlock()
		return
	}
	rc.state = next
	switch next {
	case RecoveryStable, RecoveryFailedPermanently:
		rc.failErr = err
		if prev != RecoveryStable {
			close(rc.settled)
		}
	default:
		if prev == RecoveryStable {
			rc.settled = make(chan struct{})
		}
	}
	rc.mu.Unlock()

	rc.metrics.RecoveryStateChanged(next)
	rc.logger.Info("recovery state changed",
		"from", prev.String(),
		"to", next.String())
	rc.notify(prev, next, err)
}

// sessionLost runs on a connection loop.
func (rc *RecoveryCoordinator) sessionLost(s *Session, links []*Link, err error) {
	rc.mu.Lock()
	rc.addPending(s, links)
	rc.mu.Unlock()
	rc.signal()
}

// linkLost runs on a connection loop.
func (rc *RecoveryCoordinator) linkLost(l *Link, err error) {
	rc.mu.Lock()
	rc.addPending(l.Session(), []*Link{l})
	rc.mu.Unlock()
	rc.signal()
}

func (rc *RecoveryCoordinator) signal() {
	select {
	case rc.wake <- struct{}{}:
	default:
	}
}

func (rc *RecoveryCoordinator) addPending(s *Session, links []*Link) {
	e, ok := rc.pending[s.ID()]
	if !ok {
		e = &pendingSession{session: s}
		rc.pending[s.ID()] = e
	}
next:
	for _, l := range links {
		for _, have := range e.links {
			if have == l {
				continue next
			}
		}
		e.links = append(e.links, l)
	}
}

func (rc *RecoveryCoordinator) pendingList() []*pendingSession {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]*pendingSession, 0, len(rc.pending))
	for _, e := range rc.pending {
		cp := &pendingSession{session: e.session, links: append([]*Link(nil), e.links...)}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].session.ID() < out[j].session.ID() })
	return out
}

func (rc *RecoveryCoordinator) forget(s *Session, l *Link) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	e, ok := rc.pending[s.ID()]
	if !ok {
		return
	}
	if l == nil {
		delete(rc.pending, s.ID())
		return
	}
	for i, have := range e.links {
		if have == l {
			e.links = append(e.links[:i], e.links[i+1:]...)
			break
		}
	}
}

// connectionLost records everything the failed connection left behind.
func (rc *RecoveryCoordinator) connectionLost(ev ConnectionLost) {
	<-ev.Conn.Done()

	rc.mu.Lock()
	for _, s := range ev.Conn.failedSessions() {
		rc.addPending(s, s.failedLinks())
	}
	rc.disconnected = true
	rc.mu.Unlock()
}

// drainLost merges loss events that arrived during a recovery attempt.
func (rc *RecoveryCoordinator) drainLost() {
	for {
		select {
		case ev := <-rc.cm.Lost():
			rc.connectionLost(ev)
		default:
			return
		}
	}
}

func (rc *RecoveryCoordinator) needsRecovery() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state != RecoveryFailedPermanently && (rc.disconnected || len(rc.pending) > 0)
}

func (rc *RecoveryCoordinator) run() {
	defer close(rc.done)

	for {
		select {
		case <-rc.ctx.Done():
			return
		case ev := <-rc.cm.Lost():
			rc.connectionLost(ev)
			if IsFatal(ev.Err) {
				rc.failPermanently(ev.Err)
				continue
			}
		case <-rc.wake:
		}

		if rc.needsRecovery() {
			rc.recover()
		}
	}
}

func (rc *RecoveryCoordinator) recover() {
	start := time.Now()

	err := reliability.Retry(rc.ctx, rc.policy, func(attempt int) error {
		rc.drainLost()

		conn, err := rc.cm.Current()
		if err != nil {
			rc.setState(RecoveryReconnecting, nil)
			rc.attempt.Store(int64(attempt + 1))
			rc.metrics.ReconnectAttempt()
			rc.cm.notifyReconnecting(attempt + 1)
			rc.logger.Info("attempting to reconnect", "attempt", attempt+1)

			if conn, err = rc.cm.Open(rc.ctx); err != nil {
				rc.logger.Warn("reconnection failed",
					"attempt", attempt+1,
					"error", err)
				return err
			}
		}

		rc.mu.Lock()
		rc.disconnected = false
		rc.mu.Unlock()

		rc.setState(RecoveryResuming, nil)
		return rc.resumeAll(conn)
	})

	switch {
	case err == nil:
		rc.logger.Info("recovery complete", "duration", time.Since(start))
		rc.attempt.Store(0)
		rc.setState(RecoveryStable, nil)
	case rc.ctx.Err() != nil:
		return
	default:
		rc.failPermanently(err)
	}
}

// resumeAll re-creates every pending session and link on conn. Retryable
// failures abort the pass; anything else abandons the affected session or
// link and moves on.
func (rc *RecoveryCoordinator) resumeAll(conn *Connection) error {
	for _, e := range rc.pendingList() {
		s := e.session

		switch s.State() {
		case SessionFailed:
			if err := rc.sm.resume(rc.ctx, conn, s); err != nil {
				if IsRetryable(err) || rc.ctx.Err() != nil {
					return err
				}
				rc.abandon(e, err)
				continue
			}
			rc.logger.Info("session resumed",
				"session", s.ID(),
				"channel", s.Channel())
		case SessionOpen:
		default:
			rc.abandon(e, s.error("resume", ErrSessionEnded))
			continue
		}

		for _, l := range e.links {
			if l.State() != LinkFailed {
				rc.forget(s, l)
				continue
			}

			var resubmit []*Delivery
			if l.Role() == protocol.RoleSender {
				resubmit = rc.tracker.PendingFor(l.Name())
			} else if n := rc.tracker.ReleaseLink(l.Name()); n > 0 {
				rc.logger.Info("unsettled deliveries left for redelivery",
					"link", l.Name(),
					"count", n)
			}

			if err := rc.lm.resume(rc.ctx, l, resubmit); err != nil {
				if IsRetryable(err) || rc.ctx.Err() != nil {
					return err
				}
				rc.logger.Error("link could not be resumed",
					"link", l.Name(),
					"error", err)
				rc.discardLink(l, err)
			}
			rc.forget(s, l)
		}
		rc.forget(s, nil)
	}
	return nil
}

// abandon gives up on a session and everything it carried.
func (rc *RecoveryCoordinator) abandon(e *pendingSession, err error) {
	rc.logger.Error("session could not be resumed",
		"session", e.session.ID(),
		"error", err)
	if e.session.State() == SessionFailed {
		e.session.setErr(err)
		e.session.setState(SessionEnded)
	}
	for _, l := range e.links {
		rc.discardLink(l, err)
	}
	rc.forget(e.session, nil)
}

func (rc *RecoveryCoordinator) discardLink(l *Link, err error) {
	if l.State() != LinkFailed {
		return
	}
	l.setErr(err)
	l.setState(LinkDetached)
	if l.Role() == protocol.RoleSender {
		rc.tracker.FailLink(l.Name(), err)
	} else {
		rc.tracker.ReleaseLink(l.Name())
	}
}

func (rc *RecoveryCoordinator) failPermanently(cause error) {
	err := cause
	if !errors.Is(err, ErrRecoveryExhausted) {
		err = &ConnectionError{
			Op:        "recover",
			Address:   SanitizeAddress(rc.cm.cfg.Address),
			Err:       fmt.Errorf("%w: %w", ErrRecoveryExhausted, cause),
			Timestamp: time.Now(),
			Attempts:  attemptsOf(cause),
		}
	}

	rc.logger.Error("recovery failed permanently", "error", err)

	for _, e := range rc.pendingList() {
		rc.abandon(e, err)
	}
	if n := rc.tracker.FailAll(err); n > 0 {
		rc.logger.Warn("unsettled deliveries abandoned", "count", n)
	}

	rc.mu.Lock()
	rc.disconnected = false
	rc.mu.Unlock()

	rc.setState(RecoveryFailedPermanently, err)
}

func attemptsOf(err error) int {
	var retryErr *reliability.RetryError
	if errors.As(err, &retryErr) {
		return retryErr.Attempts
	}
	return 1
}
