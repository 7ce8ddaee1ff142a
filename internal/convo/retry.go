package convo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"abi-agent/internal/llm"
	"abi-agent/internal/metrics"

	"github.com/cenkalti/backoff/v5"
)

type failureKind int

const (
	failureOther failureKind = iota
	failureQuota
	failureTransient
)

var transientMarkers = []string{
	"429", "503", "RESOURCE_EXHAUSTED", "UNAVAILABLE",
	"overloaded", "rate limited", "unavailable",
}

// classify checks quota exhaustion before transient markers: a quota error
// usually also carries RESOURCE_EXHAUSTED, and retrying it cannot help.
func classify(err error) failureKind {
	msg := err.Error()
	if strings.Contains(strings.ToLower(msg), "quota") {
		return failureQuota
	}
	if errors.Is(err, llm.ErrRateLimited) || errors.Is(err, llm.ErrUnavailable) {
		return failureTransient
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return failureTransient
		}
	}
	return failureOther
}

// expJitter waits base·2^n plus a uniform jitter in [0, jitter).
type expJitter struct {
	base   time.Duration
	jitter time.Duration
	n      int
	rnd    func() float64
}

func (b *expJitter) NextBackOff() time.Duration {
	d := b.base << b.n
	b.n++
	if b.jitter > 0 {
		d += time.Duration(b.rnd() * float64(b.jitter))
	}
	return d
}

func (b *expJitter) Reset() { b.n = 0 }

type retrier struct {
	attempts int
	base     time.Duration
	jitter   time.Duration
	rnd      func() float64
	logger   *slog.Logger
	metrics  *metrics.Metrics
	// onRetry runs before every backoff wait.
	onRetry func(attempt int, wait time.Duration)
}

// call runs fn with bounded retries. On failure it returns the user-facing
// error text instead of an error.
func (r *retrier) call(ctx context.Context, fn func(context.Context) (llm.ChatResponse, error)) (llm.ChatResponse, string) {
	attempt := 0
	resp, err := backoff.Retry(ctx, func() (llm.ChatResponse, error) {
		attempt++
		resp, err := fn(ctx)
		if err == nil {
			return resp, nil
		}
		if classify(err) != failureTransient {
			return resp, backoff.Permanent(err)
		}
		return resp, err
	},
		backoff.WithBackOff(&expJitter{base: r.base, jitter: r.jitter, rnd: r.rnd}),
		backoff.WithMaxTries(uint(r.attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			r.logger.Warn("model busy, retrying", "attempt", attempt, "max_attempts", r.attempts, "wait", wait, "error", err)
			if r.metrics != nil {
				r.metrics.LLMRetries.WithLabelValues("transient").Inc()
			}
			if r.onRetry != nil {
				r.onRetry(attempt, wait)
			}
		}),
	)
	if err == nil {
		return resp, ""
	}

	detail := err.Error()
	switch classify(err) {
	case failureQuota:
		r.countFailure("quota")
		return llm.ChatResponse{}, fmt.Sprintf("❌ Error: API quota exceeded. Please check your Gemini API plan.\n\nDetails: %s", detail)
	case failureTransient:
		r.countFailure("exhausted")
		return llm.ChatResponse{}, fmt.Sprintf("❌ Error: Service overloaded after %d attempts. Please try again later.\n\nDetails: %s", r.attempts, detail)
	default:
		r.countFailure("fatal")
		return llm.ChatResponse{}, fmt.Sprintf("❌ Error generating response: %s", detail)
	}
}

func (r *retrier) countFailure(reason string) {
	if r.metrics != nil {
		r.metrics.LLMRetries.WithLabelValues(reason).Inc()
	}
}

func defaultJitter() float64 { return rand.Float64() }
