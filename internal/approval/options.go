package approval

import "time"

// Option configures an Engine.
type Option func(*Engine)

// WithNotifier sets the lifecycle event sink.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithAuthorizer replaces the designated-approver check.
func WithAuthorizer(a Authorizer) Option {
	return func(e *Engine) { e.authz = a }
}

// WithQuorum replaces the unanimous quorum rule.
func WithQuorum(rule QuorumRule) Option {
	return func(e *Engine) { e.quorum = rule }
}

// WithAutoMerge merges a request in the same call as the vote that
// approves it.
func WithAutoMerge(on bool) Option {
	return func(e *Engine) { e.autoMerge = on }
}

// WithRetries bounds how many times a vote is re-applied after a
// concurrent revision change.
func WithRetries(n int) Option {
	return func(e *Engine) { e.retries = n }
}

// WithBackoff sets the delay policy between vote retries.
func WithBackoff(b Backoff) Option {
	return func(e *Engine) { e.backoff = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}
