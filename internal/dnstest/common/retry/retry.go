// Package retry expresses the harness's bounded polling loops as an attempt
// budget plus a fixed delay between attempts.
package retry

import (
	"errors"
	"fmt"
	"time"

	"github.com/haukened/dnstest/internal/dnstest/common/clock"
)

// ErrExhausted is returned when every attempt of a budget was used without
// the operation reporting completion.
var ErrExhausted = errors.New("attempt budget exhausted")

// Budget bounds a polling loop.
type Budget struct {
	// Attempts is the maximum number of times the operation runs. Values
	// below one are treated as one.
	Attempts int
	// Delay is slept between two consecutive attempts, never after the last.
	Delay time.Duration
}

// Last reports whether attempt (zero based) is the final one of the budget.
func (b Budget) Last(attempt int) bool {
	return attempt >= b.attempts()-1
}

func (b Budget) attempts() int {
	if b.Attempts < 1 {
		return 1
	}
	return b.Attempts
}

// Func is one attempt. It returns done=true to stop the loop successfully.
// A non-nil error is remembered and reported if the budget runs out; it
// does not stop the loop.
type Func func(attempt int) (done bool, err error)

// Do runs fn until it reports done or the budget is exhausted. It returns
// the number of attempts made. On exhaustion the error wraps ErrExhausted
// and, when present, the error of the last attempt.
func Do(clk clock.Clock, b Budget, fn Func) (int, error) {
	var lastErr error
	n := b.attempts()
	for attempt := 0; attempt < n; attempt++ {
		done, err := fn(attempt)
		if done {
			return attempt + 1, nil
		}
		lastErr = err
		if attempt < n-1 && b.Delay > 0 {
			clk.Sleep(b.Delay)
		}
	}
	if lastErr != nil {
		return n, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, n, lastErr)
	}
	return n, fmt.Errorf("%w after %d attempts", ErrExhausted, n)
}
