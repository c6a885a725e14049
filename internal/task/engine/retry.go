package engine

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"regexp"
	"strings"
	"syscall"
	"time"
)

// RetryPolicy controls how transient failures are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	// 0 means the default (3); negative disables retries.
	MaxRetries int
	// Base is the first backoff delay. Retry n waits Base*2^(n-1).
	Base time.Duration
	// MaxDelay caps every delay. 0 means the default (1m); negative means uncapped.
	MaxDelay time.Duration
	// Jitter spreads delays by ±fraction (0.2 = 20%). 0 disables.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when no overrides are given.
func DefaultRetryPolicy() RetryPolicy { return RetryPolicy{}.withDefaults() }

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = time.Minute
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

// allows reports whether a job that already retried n times may retry again.
func (p RetryPolicy) allows(n int) bool {
	return p.MaxRetries > 0 && n < p.MaxRetries
}

// Backoff returns the delay for the given zero-based attempt: Base*2^attempt,
// capped by MaxDelay. It never applies jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// delay computes the wait before retry number attempt+1, honouring
// RetryAfter hints and jitter.
func (p RetryPolicy) delay(attempt int, err error) time.Duration {
	d := p.Backoff(attempt)
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	}
	if p.Jitter > 0 && d > 0 {
		r := (rand.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Checked before the retryable list so "http error 403" never reads as transient.
var permanentSignatures = []string{
	"video unavailable",
	"private video",
	"forbidden",
	"http error 403",
	"http error 404",
	"malformed",
	"unsupported url",
	"invalid url",
	"sign in to confirm",
}

var transientSignatures = []string{
	"econnreset",
	"connection reset",
	"etimedout",
	"timed out",
	"timeout",
	"enotfound",
	"eai_again",
	"name resolution",
	"no such host",
	"temporary failure in name resolution",
	"econnrefused",
	"connection refused",
	"http error 502",
	"http error 503",
	"http error 504",
	"bad gateway",
	"service unavailable",
	"gateway timeout",
}

// Bare gateway status codes ("HTTP 504", "upstream status 502").
var gatewayStatusRe = regexp.MustCompile(`\b50[234]\b`)

// IsRetryable classifies err as a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNoRetry(err) {
		return false
	}
	var re retryableError
	if errors.As(err, &re) {
		return true
	}
	var ra RetryAfterError
	if errors.As(err, &ra) {
		return true
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrCancelled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, sig := range permanentSignatures {
		if strings.Contains(msg, sig) {
			return false
		}
	}
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return gatewayStatusRe.MatchString(msg)
}
