// Copyright 2025 Certen Protocol
//
// Transport retry with exponential backoff
//
// The retry policy lives here, not in the chain client. Only Transport
// errors retry; Revert and Decode never do.

package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/certen/manifest-orchestrator/pkg/ethereum"
)

// withRetry runs op, retrying Transport failures up to retries times
// with exponential backoff (base, doubled each attempt, capped).
// Cancellation interrupts the backoff sleep.
func withRetry(ctx context.Context, retries int, base, maxDelay time.Duration, onRetry func(), op func() error) error {
	delay := base
	var err error
	for attempt := 0; ; attempt++ {
		err = op()
		if err == nil || !ethereum.IsTransport(err) || attempt >= retries {
			return err
		}

		if onRetry != nil {
			onRetry()
		}
		log.Printf("⚠️ transport error (attempt %d/%d), retrying in %s: %v", attempt+1, retries, delay, err)

		select {
		case <-ctx.Done():
			return &ethereum.TransportError{Err: ctx.Err()}
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
