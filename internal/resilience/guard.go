package resilience

import "context"

// Guard composes a shared circuit breaker with a retrier. Every attempt goes
// through the breaker, so an open circuit stops the retry loop immediately.
type Guard struct {
	Breaker *CircuitBreaker
	Retrier *Retrier
}

// NewGuard returns a Guard; a nil breaker disables circuit breaking.
func NewGuard(breaker *CircuitBreaker, retrier *Retrier) *Guard {
	if retrier == nil {
		retrier = NewRetrier()
	}
	return &Guard{Breaker: breaker, Retrier: retrier}
}

// Do runs fn with retries, each attempt admitted by the breaker.
func (g *Guard) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	return g.Retrier.Do(ctx, op, func(ctx context.Context) error {
		if g.Breaker == nil {
			return fn(ctx)
		}
		return g.Breaker.Call(ctx, fn)
	})
}

// Call is the value-returning form of Guard.Do.
func Call[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	return result, err
}
