// Package agent implements the credential agent: a per-credential state
// machine (Initializing -> Fresh -> Refreshing) that owns one tokensource.Source,
// caches its most recent token, and proactively refreshes it ahead of expiry.
// A Registry holds many agents by name and exposes the Fetch path used by
// the HTTP pipeline.
//
// Concurrency is realized with a mutex guarding the agent's state plus
// time.AfterFunc timers carrying a generation counter, the same
// double-checked-locking shape used by the token caches elsewhere in this
// stack, rather than a literal goroutine mailbox.
package agent

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
	"github.com/azure-corelib/azbase/tokensource"
)

// State enumerates the credential agent's lifecycle states.
type State string

const (
	Initializing State = "initializing"
	Fresh        State = "fresh"
	Refreshing   State = "refreshing"
)

const (
	defaultMaxRetries      = 10
	defaultRetryFloor      = 30 * time.Second
	defaultProactiveWindow = 5 * time.Minute
)

// Options configures an Agent.
type Options struct {
	// Source acquires a fresh token. Required.
	Source tokensource.Source
	// Name identifies this credential for logging, metrics, and registry
	// lookups.
	Name string
	// ProactiveWindow is how far ahead of expiry a refresh is scheduled.
	// Defaults to 5 minutes.
	ProactiveWindow time.Duration
	// MaxRetries bounds the exponential-backoff retry count before the
	// agent falls back to the retry floor. Defaults to 10.
	MaxRetries int
	// RetryFloor is the fixed retry interval used once MaxRetries is
	// exceeded. Defaults to 30s.
	RetryFloor time.Duration
	// MaxTokenLifetime, if positive, clamps a newly acquired token's
	// effective expiry to at most this far in the future, guarding
	// against an upstream issuing unexpectedly long-lived tokens (see
	// SPEC_FULL.md's MaxTokenLifetime supplemented feature).
	MaxTokenLifetime time.Duration
	// Logger receives structured agent lifecycle events. Defaults to a
	// no-op logger.
	Logger logr.Logger
	// Metrics, if set, receives refresh-outcome counters.
	Metrics *Metrics
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
	// AfterFunc schedules f to run after d. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, f func()) *time.Timer
}

// AgentStatus is a point-in-time snapshot of an agent's state, returned by
// Agent.Describe and Registry.List for introspection/diagnostics.
type AgentStatus struct {
	Name       string
	State      State
	ExpiresAt  int64
	RetryCount int
}

// Agent owns the lifecycle of a single named credential.
type Agent struct {
	opts Options

	mu         sync.Mutex
	state      State
	token      credential.Token
	retryCount int
	generation uint64
	timer      *time.Timer
	closed     bool

	inflight *inflightFetch
}

type inflightFetch struct {
	done  chan struct{}
	token credential.Token
	err   error
}

// New constructs an Agent in the Initializing state. It does not fetch a
// token until the first Fetch call or until Start is invoked.
func New(opts Options) (*Agent, error) {
	if opts.Source == nil {
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "source"}
	}
	if opts.Name == "" {
		return nil, &azerrors.ConfigurationError{Type: azerrors.MissingRequired, Key: "name"}
	}
	if opts.ProactiveWindow <= 0 {
		opts.ProactiveWindow = defaultProactiveWindow
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaultMaxRetries
	}
	if opts.RetryFloor <= 0 {
		opts.RetryFloor = defaultRetryFloor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = time.AfterFunc
	}
	return &Agent{opts: opts, state: Initializing}, nil
}

// Start performs the initial synchronous acquisition and arms the proactive
// refresh timer. Callers that only need lazy, on-demand fetching can skip
// Start and rely on Fetch's cache-miss path instead.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquireLocked(ctx)
}

// Fetch returns the agent's cached token, acquiring one synchronously on a
// cache miss. A synchronous acquisition failure on cache miss is returned
// unwrapped, with no state-transition side effects; TokenServerError is
// reserved for the agent being closed.
func (a *Agent) Fetch(ctx context.Context) (credential.Token, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return credential.Token{}, &azerrors.TokenServerError{Type: azerrors.FetchFailed, Name: a.opts.Name, Reason: "agent is closed"}
	}
	if a.state == Fresh && a.token.Valid() {
		tok := a.token
		a.mu.Unlock()
		return tok, nil
	}

	if a.inflight != nil {
		waiter := a.inflight
		a.mu.Unlock()
		<-waiter.done
		return waiter.token, waiter.err
	}

	fetch := &inflightFetch{done: make(chan struct{})}
	a.inflight = fetch
	a.mu.Unlock()

	tok, err := a.opts.Source.GetToken(ctx)

	a.mu.Lock()
	a.inflight = nil
	if err == nil {
		tok = a.clampToken(tok)
		a.token = tok
		a.state = Fresh
		a.retryCount = 0
		a.armTimerLocked(tok)
	}
	a.mu.Unlock()

	fetch.token, fetch.err = tok, err
	close(fetch.done)
	return tok, err
}

// MustFetch is a convenience for callers (e.g. HTTP pipeline plugins) that
// want the Fetch error pre-normalized into a TokenServerError when it is not
// already part of the typed taxonomy.
func (a *Agent) MustFetch(ctx context.Context) (credential.Token, error) {
	tok, err := a.Fetch(ctx)
	if err == nil {
		return tok, nil
	}
	switch err.(type) {
	case *azerrors.ConfigurationError, *azerrors.CredentialError, *azerrors.InvalidTokenFormat,
		*azerrors.NetworkError, *azerrors.HTTPError, *azerrors.FederationError,
		*azerrors.ManagedIdentityError, *azerrors.AzureADSTSError, *azerrors.TokenServerError,
		*azerrors.Unknown:
		return tok, err
	}
	return tok, &azerrors.TokenServerError{Type: azerrors.FetchFailed, Name: a.opts.Name, Reason: err.Error(), Cause: err}
}

// Describe returns a snapshot of the agent's current state.
func (a *Agent) Describe() AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AgentStatus{
		Name:       a.opts.Name,
		State:      a.state,
		ExpiresAt:  a.token.ExpiresAt,
		RetryCount: a.retryCount,
	}
}

// Close stops the refresh timer and marks the agent closed. Further Fetch
// calls return TokenServerError.
func (a *Agent) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.generation++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// acquireLocked performs one acquisition while a.mu is held. Used by Start;
// it arms the timer on success.
func (a *Agent) acquireLocked(ctx context.Context) error {
	tok, err := a.opts.Source.GetToken(ctx)
	if err != nil {
		a.state = Refreshing
		return err
	}
	tok = a.clampToken(tok)
	a.token = tok
	a.state = Fresh
	a.retryCount = 0
	a.armTimerLocked(tok)
	return nil
}

// clampToken applies MaxTokenLifetime, if configured, to guard against an
// upstream issuing a token whose nominal expiry is further out than the
// agent is willing to trust before re-validating.
func (a *Agent) clampToken(tok credential.Token) credential.Token {
	if a.opts.MaxTokenLifetime <= 0 {
		return tok
	}
	ceiling := a.opts.Now().Add(a.opts.MaxTokenLifetime).Unix()
	if tok.ExpiresAt > ceiling {
		tok.ExpiresAt = ceiling
	}
	return tok
}

// armTimerLocked schedules the proactive refresh for tok, tagging the
// scheduled callback with the current generation so a superseded timer
// (from a stale token) cannot fire a refresh for the wrong generation.
func (a *Agent) armTimerLocked(tok credential.Token) {
	if a.timer != nil {
		a.timer.Stop()
	}
	a.generation++
	gen := a.generation

	fireAt := time.Unix(tok.ExpiresAt, 0).Add(-a.opts.ProactiveWindow)
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	a.timer = a.opts.AfterFunc(delay, func() {
		a.scheduledRefresh(gen)
	})
}

// scheduledRefresh is invoked by the proactive-refresh timer. Unlike a
// cache-miss Fetch, a failure here performs full retry bookkeeping: below
// MaxRetries it reschedules with exponential backoff and increments the
// counter; at or above MaxRetries it resets the counter and falls back to
// the fixed retry floor.
func (a *Agent) scheduledRefresh(generation uint64) {
	a.mu.Lock()
	if a.closed || generation != a.generation {
		a.mu.Unlock()
		return
	}
	a.state = Refreshing
	a.mu.Unlock()

	tok, err := a.opts.Source.GetToken(context.Background())

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed || generation != a.generation {
		return
	}

	if err != nil {
		a.opts.Logger.Error(err, "scheduled token refresh failed", "name", a.opts.Name, "retryCount", a.retryCount)
		a.recordRefreshOutcome(false)
		if a.retryCount < a.opts.MaxRetries {
			delay := retryDelay(a.retryCount)
			a.retryCount++
			a.generation++
			gen := a.generation
			a.timer = a.opts.AfterFunc(delay, func() { a.scheduledRefresh(gen) })
			return
		}
		a.retryCount = 0
		a.generation++
		gen := a.generation
		a.timer = a.opts.AfterFunc(a.opts.RetryFloor, func() { a.scheduledRefresh(gen) })
		return
	}

	a.recordRefreshOutcome(true)
	tok = a.clampToken(tok)
	a.token = tok
	a.state = Fresh
	a.retryCount = 0
	a.armTimerLocked(tok)
}

func (a *Agent) recordRefreshOutcome(success bool) {
	if a.opts.Metrics == nil {
		return
	}
	a.opts.Metrics.ObserveRefresh(a.opts.Name, success)
}

// retryDelay is a capped exponential backoff: 1s, 2s, 4s, 8s, 16s, ...
// capped at the retry floor's neighborhood so that it never exceeds 30s.
func retryDelay(retryCount int) time.Duration {
	delay := time.Second * time.Duration(1<<uint(retryCount))
	const maxDelay = 30 * time.Second
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
