// Package permissions arbitrates the agent's tool permission requests:
// always-allow policy short circuit, human decisions, and a fail-closed
// decision timeout. Every request resolves exactly once.
package permissions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/joescharf/agentdesk/internal/apperr"
	"github.com/joescharf/agentdesk/internal/metrics"
	"github.com/joescharf/agentdesk/internal/models"
	"github.com/joescharf/agentdesk/internal/notify"
	"github.com/joescharf/agentdesk/internal/store"
)

const (
	DefaultTimeout      = 5 * time.Minute
	DefaultPollInterval = 500 * time.Millisecond

	// seenRetention bounds how long a resolved request stays in the
	// announcement table.
	seenRetention = time.Hour
)

// Store is the subset of store.Store the arbiter needs.
type Store interface {
	GetSession(ctx context.Context, id string) (*models.Session, error)
	CreatePermissionRequest(ctx context.Context, r *models.PermissionRequest) error
	GetPermissionRequest(ctx context.Context, id string) (*models.PermissionRequest, error)
	ListPermissionRequests(ctx context.Context, filter store.PermissionListFilter) ([]*models.PermissionRequest, error)
	ResolvePermissionRequest(ctx context.Context, r *models.PermissionRequest) (bool, error)
}

// PhaseHook mirrors permission waits into the session phase.
type PhaseHook interface {
	AwaitPermission(ctx context.Context, sessionID, requestID string) error
	ResumeAfterPermission(ctx context.Context, sessionID, requestID string) error
}

// Decision is a human's answer to a pending request.
type Decision struct {
	Behavior    models.Behavior
	AlwaysAllow bool
	Message     string
	Interrupt   bool
}

// Arbiter is the PermissionArbiter.
type Arbiter struct {
	store    Store
	policies PolicyStore
	finder   RootFinder
	pub      notify.Publisher
	hook     PhaseHook
	metrics  *metrics.Metrics
	logger   *slog.Logger
	timeout  time.Duration
	poll     time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	waiters map[string]*waiter
	seen    map[string]seenEntry
	closed  bool
}

type waiter struct {
	ch   chan struct{}
	refs int
}

// seenEntry records which events this arbiter already published for a
// request, so requests from other processes are announced exactly once.
type seenEntry struct {
	resolved bool
	at       time.Time
}

// Option configures an Arbiter.
type Option func(*Arbiter)

// WithPublisher sets where permission-request and permission-resolved
// events go.
func WithPublisher(p notify.Publisher) Option { return func(a *Arbiter) { a.pub = p } }

// WithPhaseHook parks the session while a request is pending.
func WithPhaseHook(h PhaseHook) Option { return func(a *Arbiter) { a.hook = h } }

// WithMetrics records submissions and resolutions.
func WithMetrics(m *metrics.Metrics) Option { return func(a *Arbiter) { a.metrics = m } }

// WithLogger sets the diagnostic logger.
func WithLogger(l *slog.Logger) Option { return func(a *Arbiter) { a.logger = l } }

// WithRootFinder derives policy scopes from the repository root of a
// session's working directory.
func WithRootFinder(f RootFinder) Option { return func(a *Arbiter) { a.finder = f } }

// WithTimeout sets the decision window. Default DefaultTimeout.
func WithTimeout(d time.Duration) Option { return func(a *Arbiter) { a.timeout = d } }

// WithPollInterval sets how often Await and Follow re-read the store.
// Default DefaultPollInterval.
func WithPollInterval(d time.Duration) Option { return func(a *Arbiter) { a.poll = d } }

// NewArbiter creates an Arbiter.
func NewArbiter(s Store, policies PolicyStore, opts ...Option) *Arbiter {
	a := &Arbiter{
		store:    s,
		policies: policies,
		pub:      notify.Discard,
		logger:   slog.New(slog.DiscardHandler),
		timeout:  DefaultTimeout,
		poll:     DefaultPollInterval,
		timers:   make(map[string]*time.Timer),
		waiters:  make(map[string]*waiter),
		seen:     make(map[string]seenEntry),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit registers a tool permission request. A matching always-allow
// policy grants it immediately without notifying the decision surface.
// Otherwise the request is stored as pending, the decision timer starts and
// a permission-request event goes out. Submitting an id that already
// exists for the same session returns the stored request unchanged.
func (a *Arbiter) Submit(ctx context.Context, req *models.PermissionRequest) (*models.PermissionRequest, error) {
	if req.SessionID == "" || req.ToolName == "" {
		return nil, apperr.Invalid("permission request needs a session id and tool name")
	}
	sess, err := a.store.GetSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if req.Scope == "" {
		req.Scope = Scope(a.finder, sess.Cwd)
	}
	if req.Scope == "" {
		req.Scope = "session:" + sess.ID
	}

	allowed, err := a.policies.Allowed(ctx, req.Scope, req.ToolName)
	if err != nil {
		a.logger.Warn("policy lookup failed, asking", "scope", req.Scope, "tool", req.ToolName, "error", err)
		allowed = false
	}

	if allowed {
		now := time.Now().UTC()
		req.Status = models.PermissionGranted
		req.Behavior = models.BehaviorAllow
		req.Reason = models.ReasonPolicy
		req.ResolvedAt = &now
	} else {
		req.Status = models.PermissionPending
	}

	if err := a.store.CreatePermissionRequest(ctx, req); err != nil {
		if errors.Is(err, apperr.ErrConflict) && req.ID != "" {
			existing, getErr := a.store.GetPermissionRequest(ctx, req.ID)
			if getErr == nil && existing.SessionID == req.SessionID {
				a.logger.Debug("duplicate permission submit", "request_id", req.ID)
				return existing, nil
			}
		}
		return nil, err
	}

	if allowed {
		a.logger.Info("permission granted by policy", "request_id", req.ID, "tool", req.ToolName, "scope", req.Scope)
		a.metrics.PermissionResolved(string(req.Status), string(req.Reason), false)
		a.announceResolved(req)
		return req, nil
	}

	// The session is parked before anyone can hear about the request, so a
	// decision always finds it waiting.
	if a.hook != nil {
		if err := a.hook.AwaitPermission(ctx, req.SessionID, req.ID); err != nil {
			a.logger.Debug("phase not moved to awaiting_permission", "session_id", req.SessionID, "error", err)
		}
	}
	a.arm(req.ID, a.timeout)
	a.metrics.PermissionSubmitted()
	a.logger.Info("permission requested", "request_id", req.ID, "session_id", req.SessionID, "tool", req.ToolName)

	// Another process sharing the store may have answered already.
	current, err := a.store.GetPermissionRequest(ctx, req.ID)
	if err == nil && current.Status.Resolved() {
		a.settle(req.ID)
		a.resume(ctx, current)
		return current, nil
	}

	a.announceRequest(req)
	return req, nil
}

// Decide resolves a pending request with a human decision. Deciding a
// request that is already resolved returns the earlier outcome.
func (a *Arbiter) Decide(ctx context.Context, id string, d Decision) (*models.PermissionRequest, error) {
	var status models.PermissionStatus
	switch d.Behavior {
	case models.BehaviorAllow:
		status = models.PermissionGranted
	case models.BehaviorDeny:
		status = models.PermissionDenied
	default:
		return nil, apperr.Invalid("behavior %q", d.Behavior)
	}
	return a.resolve(ctx, &models.PermissionRequest{
		ID:          id,
		Status:      status,
		Behavior:    d.Behavior,
		Message:     d.Message,
		AlwaysAllow: d.AlwaysAllow && d.Behavior == models.BehaviorAllow,
		Interrupt:   d.Interrupt,
		Reason:      models.ReasonDecision,
	})
}

// Timeout resolves a pending request as timed out, which the agent treats
// as a denial.
func (a *Arbiter) Timeout(ctx context.Context, id string) (*models.PermissionRequest, error) {
	return a.resolve(ctx, &models.PermissionRequest{
		ID:       id,
		Status:   models.PermissionTimedOut,
		Behavior: models.BehaviorDeny,
		Message:  "permission request timed out",
		Reason:   models.ReasonTimeout,
	})
}

// resolve is the single path to a terminal state. Only the caller whose
// compare-and-swap succeeds performs side effects.
func (a *Arbiter) resolve(ctx context.Context, outcome *models.PermissionRequest) (*models.PermissionRequest, error) {
	current, err := a.store.GetPermissionRequest(ctx, outcome.ID)
	if err != nil {
		return nil, err
	}
	if current.Status.Resolved() {
		a.settle(current.ID)
		return current, nil
	}

	won, err := a.store.ResolvePermissionRequest(ctx, outcome)
	if err != nil {
		return nil, err
	}
	if !won {
		a.settle(outcome.ID)
		return a.store.GetPermissionRequest(ctx, outcome.ID)
	}

	resolved := *current
	resolved.Status = outcome.Status
	resolved.Behavior = outcome.Behavior
	resolved.Message = outcome.Message
	resolved.AlwaysAllow = outcome.AlwaysAllow
	resolved.Interrupt = outcome.Interrupt
	resolved.Reason = outcome.Reason
	resolved.ResolvedAt = outcome.ResolvedAt

	if resolved.AlwaysAllow {
		if err := a.policies.Grant(ctx, resolved.Scope, resolved.ToolName); err != nil {
			a.logger.Error("grant always-allow policy", "scope", resolved.Scope, "tool", resolved.ToolName, "error", err)
		}
	}

	a.settle(resolved.ID)
	a.metrics.PermissionResolved(string(resolved.Status), string(resolved.Reason), true)
	a.logger.Info("permission resolved", "request_id", resolved.ID, "status", resolved.Status, "reason", resolved.Reason)
	a.announceResolved(&resolved)
	a.resume(ctx, &resolved)
	return &resolved, nil
}

func (a *Arbiter) resume(ctx context.Context, r *models.PermissionRequest) {
	if a.hook == nil {
		return
	}
	if err := a.hook.ResumeAfterPermission(ctx, r.SessionID, r.ID); err != nil {
		a.logger.Debug("phase not resumed after permission", "session_id", r.SessionID, "error", err)
	}
}

// announceRequest publishes permission-request for r unless this arbiter
// already did.
func (a *Arbiter) announceRequest(r *models.PermissionRequest) {
	now := time.Now()
	a.mu.Lock()
	a.pruneSeen(now)
	if _, ok := a.seen[r.ID]; ok {
		a.mu.Unlock()
		return
	}
	a.seen[r.ID] = seenEntry{at: now}
	a.mu.Unlock()
	a.publishRequest(r)
}

// announceResolved publishes permission-resolved for r unless this
// arbiter already did.
func (a *Arbiter) announceResolved(r *models.PermissionRequest) {
	a.mu.Lock()
	if e, ok := a.seen[r.ID]; ok && e.resolved {
		a.mu.Unlock()
		return
	}
	a.seen[r.ID] = seenEntry{resolved: true, at: time.Now()}
	a.mu.Unlock()
	a.publishResolved(r)
}

// pruneSeen drops resolved entries past seenRetention. Callers hold a.mu.
func (a *Arbiter) pruneSeen(now time.Time) {
	for id, e := range a.seen {
		if e.resolved && now.Sub(e.at) > seenRetention {
			delete(a.seen, id)
		}
	}
}

func (a *Arbiter) forget(id string) {
	a.mu.Lock()
	delete(a.seen, id)
	a.mu.Unlock()
}

func (a *Arbiter) publishRequest(r *models.PermissionRequest) {
	var input any
	if len(r.ToolInput) > 0 {
		input = json.RawMessage(r.ToolInput)
	}
	a.pub.Publish(notify.Event{
		Kind:      notify.KindPermissionRequest,
		SessionID: r.SessionID,
		Payload: notify.PermissionRequestPayload{
			RequestID:   r.ID,
			SessionID:   r.SessionID,
			ToolName:    r.ToolName,
			ToolInput:   input,
			ToolUseID:   r.ToolUseID,
			Description: r.Description,
		},
	})
}

func (a *Arbiter) publishResolved(r *models.PermissionRequest) {
	a.pub.Publish(notify.Event{
		Kind:      notify.KindPermissionResolved,
		SessionID: r.SessionID,
		Payload: notify.PermissionResolvedPayload{
			RequestID: r.ID,
			Status:    string(r.Status),
			Behavior:  string(r.Behavior),
			Reason:    string(r.Reason),
			Message:   r.Message,
			Interrupt: r.Interrupt,
		},
	})
}

// Await blocks until request id is resolved or ctx ends. Resolutions made
// in this process wake it directly; those made by another process sharing
// the store are seen on the next poll.
func (a *Arbiter) Await(ctx context.Context, id string) (*models.PermissionRequest, error) {
	ch := a.waiter(id)
	defer a.release(id, ch)
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()

	for {
		req, err := a.store.GetPermissionRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Status.Resolved() {
			a.settle(id)
			return req, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-ticker.C:
		}
	}
}

// Follow polls the store until ctx ends and publishes the events for
// requests that other processes submitted or resolved, so subscribers of
// this arbiter's publisher see every request on the shared store. Local
// awaiters of a request resolved elsewhere are woken too.
func (a *Arbiter) Follow(ctx context.Context) {
	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		if err := a.follow(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("follow permission requests", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (a *Arbiter) follow(ctx context.Context) error {
	pending, err := a.Pending(ctx, "")
	if err != nil {
		return err
	}

	now := time.Now()
	open := make(map[string]bool, len(pending))
	var fresh []*models.PermissionRequest
	var gone []string
	a.mu.Lock()
	a.pruneSeen(now)
	for _, r := range pending {
		open[r.ID] = true
		if _, ok := a.seen[r.ID]; !ok {
			a.seen[r.ID] = seenEntry{at: now}
			fresh = append(fresh, r)
		}
	}
	for id, e := range a.seen {
		if !e.resolved && !open[id] {
			gone = append(gone, id)
		}
	}
	a.mu.Unlock()

	for _, r := range fresh {
		a.publishRequest(r)
	}
	var result *multierror.Error
	for _, id := range gone {
		r, err := a.store.GetPermissionRequest(ctx, id)
		if errors.Is(err, apperr.ErrNotFound) {
			// Removed with its session.
			a.forget(id)
			a.settle(id)
			continue
		}
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if r.Status.Resolved() {
			a.settle(id)
			a.announceResolved(r)
		}
	}
	return result.ErrorOrNil()
}

// Pending lists unresolved requests, optionally for one session.
func (a *Arbiter) Pending(ctx context.Context, sessionID string) ([]*models.PermissionRequest, error) {
	return a.store.ListPermissionRequests(ctx, store.PermissionListFilter{
		SessionID: sessionID,
		Status:    models.PermissionPending,
	})
}

// Recover re-arms decision timers for requests left pending by a previous
// run. Requests whose window already passed time out now.
func (a *Arbiter) Recover(ctx context.Context) error {
	pending, err := a.Pending(ctx, "")
	if err != nil {
		return fmt.Errorf("list pending permissions: %w", err)
	}
	var result *multierror.Error
	for _, req := range pending {
		remaining := time.Until(req.CreatedAt.Add(a.timeout))
		if remaining <= 0 {
			if _, err := a.Timeout(ctx, req.ID); err != nil {
				result = multierror.Append(result, fmt.Errorf("expire %s: %w", req.ID, err))
			}
			continue
		}
		a.arm(req.ID, remaining)
	}
	if len(pending) > 0 {
		a.logger.Info("recovered pending permission requests", "count", len(pending))
	}
	return result.ErrorOrNil()
}

// Close stops all decision timers and fails closed every request this
// arbiter was still timing, since nobody is left to answer them.
func (a *Arbiter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	ids := make([]string, 0, len(a.timers))
	for id, t := range a.timers {
		t.Stop()
		ids = append(ids, id)
	}
	a.timers = make(map[string]*time.Timer)
	a.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if _, err := a.Timeout(ctx, id); err != nil {
			result = multierror.Append(result, fmt.Errorf("expire %s: %w", id, err))
		}
	}
	return result.ErrorOrNil()
}

func (a *Arbiter) arm(id string, after time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if old, ok := a.timers[id]; ok {
		old.Stop()
	}
	a.timers[id] = time.AfterFunc(after, func() {
		_, err := a.Timeout(context.Background(), id)
		switch {
		case errors.Is(err, apperr.ErrNotFound):
			// The session was removed along with its requests.
			a.logger.Debug("permission request gone before timeout", "request_id", id)
			a.forget(id)
			a.settle(id)
		case err != nil:
			a.logger.Error("permission timeout", "request_id", id, "error", err)
		}
	})
}

func (a *Arbiter) waiter(id string) chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.waiters[id]
	if !ok {
		w = &waiter{ch: make(chan struct{})}
		a.waiters[id] = w
	}
	w.refs++
	return w.ch
}

// release drops one Await's interest in id. The entry goes away with its
// last waiter even if the request never resolves.
func (a *Arbiter) release(id string, ch chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	w, ok := a.waiters[id]
	if !ok || w.ch != ch {
		return
	}
	w.refs--
	if w.refs == 0 {
		delete(a.waiters, id)
	}
}

// settle stops the timer for id and wakes its waiters.
func (a *Arbiter) settle(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.timers[id]; ok {
		t.Stop()
		delete(a.timers, id)
	}
	if w, ok := a.waiters[id]; ok {
		close(w.ch)
		delete(a.waiters, id)
	}
}

// Armed reports how many decision timers are running.
func (a *Arbiter) Armed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.timers)
}

// Waiting reports how many requests have an Await in progress.
func (a *Arbiter) Waiting() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.waiters)
}
