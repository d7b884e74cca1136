package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardConfig bounds how model calls are issued.
type GuardConfig struct {
	// Timeout caps every Chat and Embed call. Zero disables the cap.
	Timeout time.Duration

	// Retries is the number of extra attempts after an ErrModelUnavailable.
	Retries int

	// RetryDelay is the pause before the first retry; it doubles each time.
	RetryDelay time.Duration

	// RateLimit is the sustained number of calls per second. Zero means unlimited.
	RateLimit float64
	Burst     int

	// MaxFailures consecutive unavailability errors open the breaker for OpenTimeout.
	MaxFailures uint32
	OpenTimeout time.Duration
}

// DefaultGuardConfig returns the limits used when none are configured.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		Timeout:     60 * time.Second,
		Retries:     2,
		RetryDelay:  500 * time.Millisecond,
		MaxFailures: 5,
		OpenTimeout: 30 * time.Second,
	}
}

// CallObserver receives the outcome of every guarded model call.
type CallObserver interface {
	ObserveModelCall(op string, d time.Duration, err error)
}

// Guarded wraps an Engine with a per-call timeout, a token-bucket rate limiter,
// a circuit breaker and a bounded retry of ErrModelUnavailable.
type Guarded struct {
	Engine
	cfg      GuardConfig
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
	observer CallObserver
	logger   *slog.Logger
}

// NewGuarded wraps e. obs may be nil.
func NewGuarded(e Engine, cfg GuardConfig, obs CallObserver) *Guarded {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	g := &Guarded{
		Engine:   e,
		cfg:      cfg,
		observer: obs,
		logger:   slog.Default(),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "model",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		IsSuccessful: func(err error) bool {
			var gone callerGone
			if errors.As(err, &gone) {
				return true
			}
			return err == nil || !errors.Is(err, ErrModelUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("model circuit state changed", "from", from.String(), "to", to.String())
		},
	})
	return g
}

// Chat sends messages through the guard.
func (g *Guarded) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	out, err := g.do(ctx, "chat", func(ctx context.Context) (any, error) {
		return g.Engine.Chat(ctx, model, messages)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// Embed computes an embedding through the guard.
func (g *Guarded) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	out, err := g.do(ctx, "embed", func(ctx context.Context) (any, error) {
		return g.Engine.Embed(ctx, model, text)
	})
	if err != nil {
		return nil, err
	}
	return out.([]float32), nil
}

func (g *Guarded) do(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	delay := g.cfg.RetryDelay
	for attempt := 0; ; attempt++ {
		out, err := g.once(ctx, op, fn)
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil || !errors.Is(err, ErrModelUnavailable) || errors.Is(err, ErrCircuitOpen) || attempt >= g.cfg.Retries {
			return nil, err
		}

		g.logger.Debug("retrying model call", "op", op, "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrModelUnavailable, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (g *Guarded) once(ctx context.Context, op string, fn func(context.Context) (any, error)) (any, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: waiting for rate limiter: %w", ErrModelUnavailable, err)
		}
	}

	start := time.Now()
	out, err := g.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if g.cfg.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
			defer cancel()
		}
		v, err := fn(callCtx)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			// The caller gave up; the model says nothing about its health.
			err = callerGone{err}
		case !errors.Is(err, ErrModelUnavailable) && callCtx.Err() != nil:
			err = fmt.Errorf("%w: %s timed out: %w", ErrModelUnavailable, op, err)
		}
		return v, err
	})
	var gone callerGone
	if errors.As(err, &gone) {
		err = gone.err
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%w: %w", ErrModelUnavailable, ErrCircuitOpen)
	}
	if g.observer != nil {
		g.observer.ObserveModelCall(op, time.Since(start), err)
	}
	return out, err
}

// callerGone marks an error caused by the caller's own context ending so the
// breaker does not count it against the model.
type callerGone struct{ err error }

func (c callerGone) Error() string { return c.err.Error() }
func (c callerGone) Unwrap() error { return c.err }
