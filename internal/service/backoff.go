package service

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

const maxShift = 30

// exponentialWithJitter returns a random delay in [0, base*2^attempt).
func exponentialWithJitter(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 0 {
		attempt = 0
	} else if attempt > maxShift {
		attempt = maxShift
	}

	multiplier := int64(1) << attempt
	delay := int64(base)
	if delay > math.MaxInt64/multiplier {
		delay = math.MaxInt64
	} else {
		delay *= multiplier
	}
	return time.Duration(rand.Int64N(delay))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
