//
// Tencent is pleased to support the open source community by making trpc-graph-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-graph-go is licensed under the Apache License Version 2.0.
//
//

package graph

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// RetryPolicy bounds retries of a failing node function with exponential
// backoff. Interrupts are never retried: an interrupt is control flow, not
// a failure.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Jitter randomizes each delay in [delay/2, delay) when set.
	Jitter bool
	// RetryOn decides whether an error is retryable. Nil retries all
	// errors except interrupts.
	RetryOn func(error) bool
}

// DefaultRetryPolicy returns a policy with 3 attempts and 100ms base delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Jitter:      true,
	}
}

// delayFor returns the backoff delay for a zero-based retry index.
func (p *RetryPolicy) delayFor(retry int) time.Duration {
	delay := p.BaseDelay << uint(retry)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if p.Jitter && delay > 0 {
		delay = delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
	}
	return delay
}

// shouldRetry reports whether the error is retryable under the policy.
func (p *RetryPolicy) shouldRetry(err error) bool {
	var interrupt *InterruptError
	if errors.As(err, &interrupt) {
		return false
	}
	if p.RetryOn != nil {
		return p.RetryOn(err)
	}
	return true
}

// run executes fn under the policy, sleeping between attempts.
func (p *RetryPolicy) run(ctx context.Context, fn func() (any, error)) (any, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var result any
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.delayFor(attempt - 1)):
			}
		}
		result, err = fn()
		if err == nil || !p.shouldRetry(err) {
			return result, err
		}
	}
	return result, err
}
