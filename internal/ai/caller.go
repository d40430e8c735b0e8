package ai

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/procurement-enricher/internal/credential"
	"github.com/JakeFAU/procurement-enricher/internal/enrich"
	"github.com/JakeFAU/procurement-enricher/internal/metrics"
)

const defaultMaxFailovers = 3

// errLimiterDeadline means the rate limiter could not grant a slot before
// the caller's deadline.
var errLimiterDeadline = fmt.Errorf("rate limit wait exceeds deadline: %w", context.DeadlineExceeded)

// CallerConfig configures a Caller.
type CallerConfig struct {
	// MaxFailovers bounds how many quota-exhausted credentials one unit of
	// work may switch away from before the operation fails (default 3).
	MaxFailovers int
	// RPS and Burst bound the aggregate external call rate. RPS <= 0 disables
	// limiting.
	RPS    float64
	Burst  int
	Retry  RetryPolicy
	Logger *zap.Logger
}

// Result is the outcome of a successful call.
type Result struct {
	Text            string
	CredentialAlias string
	Failovers       int
}

// Caller runs AI units of work against the credential pool.
type Caller struct {
	pool         *credential.Pool
	gen          Generator
	limiter      *rate.Limiter
	retry        RetryPolicy
	maxFailovers int
	logger       *zap.Logger
}

// NewCaller constructs a Caller.
func NewCaller(pool *credential.Pool, gen Generator, cfg CallerConfig) *Caller {
	c := &Caller{
		pool:         pool,
		gen:          gen,
		retry:        cfg.Retry,
		maxFailovers: cfg.MaxFailovers,
		logger:       cfg.Logger,
	}
	if c.maxFailovers <= 0 {
		c.maxFailovers = defaultMaxFailovers
	}
	if c.retry == nil {
		c.retry = NewExponentialRetryPolicy(3, 0, 0)
	}
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Call acquires a credential and sends prompt. onCredential, when non-nil,
// is told the alias of every credential tried so callers can annotate their
// progress. Quota errors fail over to the next credential; other errors are
// reported against the credential and returned.
func (c *Caller) Call(ctx context.Context, kind enrich.Kind, prompt string, onCredential func(alias string)) (Result, error) {
	for failovers := 0; ; failovers++ {
		lease, err := c.pool.Acquire(kind)
		if err != nil {
			return Result{}, err
		}
		alias := lease.Credential.Alias
		if onCredential != nil {
			onCredential(alias)
		}

		start := time.Now()
		text, err := c.attempt(ctx, lease.Credential.Secret, prompt)
		lease.Release()

		switch {
		case err == nil:
			lease.Success(kind)
			metrics.ObserveAICall(string(kind), "success", time.Since(start))
			return Result{Text: text, CredentialAlias: alias, Failovers: failovers}, nil
		case IsQuota(err):
			// Without a provider reset time the pool applies its default wait.
			resetAt, _ := QuotaResetAt(err)
			lease.QuotaExceeded(kind, resetAt, err.Error())
			metrics.ObserveAICall(string(kind), "quota", time.Since(start))
			metrics.ObserveFailover(string(kind))
			c.logger.Warn("credential quota exceeded, failing over",
				zap.String("alias", alias),
				zap.String("kind", string(kind)),
				zap.Int("failover", failovers+1),
			)
			if failovers+1 >= c.maxFailovers {
				return Result{}, fmt.Errorf("%w: %d credentials over quota for one %s call (last %s)",
					ErrFailoversExhausted, failovers+1, kind, alias)
			}
		case ctx.Err() != nil || errors.Is(err, errLimiterDeadline):
			metrics.ObserveAICall(string(kind), "canceled", time.Since(start))
			return Result{}, fmt.Errorf("ai call abandoned: %w", err)
		default:
			lease.Error(kind, err.Error())
			metrics.ObserveAICall(string(kind), "error", time.Since(start))
			return Result{CredentialAlias: alias}, fmt.Errorf("ai call with %s: %w", alias, err)
		}
	}
}

func (c *Caller) attempt(ctx context.Context, secret, prompt string) (string, error) {
	for attempt := 1; ; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return "", ctxErr
				}
				return "", fmt.Errorf("%w: %v", errLimiterDeadline, err)
			}
		}
		text, err := c.gen.Generate(ctx, secret, prompt)
		if err == nil {
			return text, nil
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return "", err
		}
		wait := c.retry.Backoff(attempt - 1)
		c.logger.Debug("retrying transient ai failure", zap.Int("attempt", attempt), zap.Duration("backoff", wait), zap.Error(err))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

// IsFatal reports whether an AI error must fail the whole operation rather
// than count as a unit failure.
func IsFatal(err error) bool {
	if errors.Is(err, credential.ErrNoCredentialAvailable) || errors.Is(err, ErrFailoversExhausted) {
		return true
	}
	var te *TransientError
	if errors.As(err, &te) {
		return false
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
