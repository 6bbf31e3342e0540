package resilience

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// MaxDelay caps every backoff delay.
const MaxDelay = 60 * time.Second

// Policy is the retry budget for one error kind.
type Policy struct {
	BaseDelay   time.Duration
	MaxAttempts int // total attempts, including the first
}

// DefaultPolicies returns the per-kind retry budgets.
func DefaultPolicies() map[Kind]Policy {
	return map[Kind]Policy{
		KindRateLimit:  {BaseDelay: 5 * time.Second, MaxAttempts: 5},
		KindUpstream:   {BaseDelay: 2 * time.Second, MaxAttempts: 3},
		KindStorage:    {BaseDelay: 500 * time.Millisecond, MaxAttempts: 5},
		KindNetwork:    {BaseDelay: 1500 * time.Millisecond, MaxAttempts: 4},
		KindUnknown:    {BaseDelay: time.Second, MaxAttempts: 2},
		KindAuth:       {MaxAttempts: 1},
		KindAccess:     {MaxAttempts: 1},
		KindValidation: {MaxAttempts: 1},
	}
}

// Retrier re-runs a failed call with exponential backoff chosen by error kind.
type Retrier struct {
	policies map[Kind]Policy
	logger   *zap.Logger
	sleep    func(context.Context, time.Duration) error
	jitter   func(base time.Duration) time.Duration
}

// RetrierOption customizes a Retrier.
type RetrierOption func(*Retrier)

// WithPolicies overrides the budgets for the given kinds.
func WithPolicies(policies map[Kind]Policy) RetrierOption {
	return func(r *Retrier) {
		for kind, p := range policies {
			r.policies[kind] = p
		}
	}
}

// WithSleep replaces the context-aware sleep, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = sleep }
}

// WithJitter replaces the jitter source.
func WithJitter(jitter func(base time.Duration) time.Duration) RetrierOption {
	return func(r *Retrier) { r.jitter = jitter }
}

// WithRetryLogger sets the logger for retry attempts.
func WithRetryLogger(logger *zap.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = logger }
}

// NewRetrier creates a Retrier with the default policies.
func NewRetrier(opts ...RetrierOption) *Retrier {
	r := &Retrier{
		policies: DefaultPolicies(),
		logger:   zap.NewNop(),
		sleep:    Sleep,
		jitter:   halfBaseJitter,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func halfBaseJitter(base time.Duration) time.Duration {
	if base <= 1 {
		return 0
	}
	return rand.N(base / 2)
}

// Policy returns the budget applied to kind.
func (r *Retrier) Policy(kind Kind) Policy {
	if p, ok := r.policies[kind]; ok {
		return p
	}
	return r.policies[KindUnknown]
}

// Delay computes the wait before retry number attempt (1-based) for kind.
func (r *Retrier) Delay(kind Kind, attempt int, hint time.Duration) time.Duration {
	return Backoff(r.Policy(kind).BaseDelay, attempt, r.jitter, hint)
}

// Backoff returns min(base*2^(attempt-1) + jitter, MaxDelay), raised to hint
// when the upstream asked for a longer wait.
func Backoff(base time.Duration, attempt int, jitter func(time.Duration) time.Duration, hint time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt && delay < MaxDelay; i++ {
		delay *= 2
	}
	if jitter != nil {
		delay += jitter(base)
	}
	if hint > delay {
		delay = hint
	}
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or exhausts the
// attempts allowed for the kind of its latest error.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}

		kind, retryable := Classify(err)
		policy := r.Policy(kind)
		if !retryable || attempt >= policy.MaxAttempts {
			if attempt > 1 {
				r.logger.Warn("giving up after retries",
					zap.String("op", op),
					zap.String("kind", string(kind)),
					zap.Int("attempts", attempt),
					zap.Error(err))
			}
			return err
		}

		delay := r.Delay(kind, attempt, RetryAfter(err))
		r.logger.Debug("retrying after error",
			zap.String("op", op),
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if sleepErr := r.sleep(ctx, delay); sleepErr != nil {
			return err
		}
	}
}

// Do is the value-returning form of Retrier.Do.
func Do[T any](ctx context.Context, r *Retrier, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
