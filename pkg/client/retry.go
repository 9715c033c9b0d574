package client

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

type retrier struct {
	initial    time.Duration
	max        time.Duration
	maxRetries int
	log        zerolog.Logger
}

func newRetrier(initial, max time.Duration, maxRetries int, log zerolog.Logger) *retrier {
	if initial <= 0 {
		initial = 200 * time.Millisecond
	}
	if max < initial {
		max = initial
	}
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &retrier{initial: initial, max: max, maxRetries: maxRetries, log: log}
}

// do calls fn until it succeeds, fails permanently or runs out of attempts.
func (r *retrier) do(ctx context.Context, fn func(attempt int) error, retryable func(error) bool) error {
	for attempt := 0; ; attempt++ {
		err := fn(attempt)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || !retryable(err) {
			return err
		}
		delay := backoffWithJitter(r.initial, r.max, attempt)
		r.log.Warn().Err(err).Int("attempt", attempt+1).Dur("sleep", delay).Msg("retrying request")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var statusErr retryableStatusError
	return errors.As(err, &statusErr)
}

// isRetryableStatus covers throttling and proxy-style transient failures.
// Coded executor answers are final: a retry would be answered the same way.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout:
		return true
	}
	return false
}

type retryableStatusError struct {
	status int
}

func (e retryableStatusError) Error() string {
	return http.StatusText(e.status)
}
