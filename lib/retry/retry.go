// Package retry implements the backoff helpers used by wallet initialization
// and node reconnection. A Rule decides how long to wait before the next
// attempt, a Policy decides whether an error is worth retrying at all.
package retry

import (
	"context"
	"time"
)

// Rule maps an attempt number (starting at 0) to the delay before the next
// attempt. A negative duration stops retrying.
type Rule func(attempt int) time.Duration

// ExpRule returns the standard exponential rule: wait 2^(attempt+1) seconds,
// give up after max attempts.
func ExpRule(max int) Rule {
	return func(attempt int) time.Duration {
		if attempt >= max {
			return -1
		}

		return time.Duration(1<<(attempt+1)) * time.Second
	}
}

// DefaultRule caps at 3 attempts with 2s/4s/8s delays.
var DefaultRule = ExpRule(3)

// Backoff runs f until it succeeds, the rule gives up, or the context is
// cancelled. The last error is returned.
func Backoff(ctx context.Context, f func() error, rule Rule) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}

		wait := rule(attempt)
		if wait < 0 {
			return err
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}
}

// Policy is a retry predicate over (error, attempt). It separates "retry on
// timeout or transient failure" from "fail fast on semantic rejection".
type Policy func(err error, attempt int) bool

// Do runs f, consulting the policy after each failure and waiting a fixed
// delay between attempts. The last error is returned once the policy or the
// context stops the loop.
func Do(ctx context.Context, f func() error, policy Policy, wait time.Duration) error {
	for attempt := 1; ; attempt++ {
		err := f()
		if err == nil {
			return nil
		}

		if !policy(err, attempt) {
			return err
		}

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return err
		}
	}
}
