// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/romfetch/internal/config"
)

// Policy holds retry configuration.
type Policy struct {
	MaxAttempts int           // total attempts, including the first
	InitialWait time.Duration // doubled after each failed attempt
	MaxWait     time.Duration
}

// FromSettings maps download settings to a policy: RetryCount retries after
// the first attempt, waiting from RetryDelay up to four times RetryDelay.
func FromSettings(s config.DownloadSettings) Policy {
	return Policy{
		MaxAttempts: s.RetryCount + 1,
		InitialWait: s.RetryDelay,
		MaxWait:     s.RetryDelay * 4,
	}
}

func (p Policy) normalize() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.MaxWait < p.InitialWait {
		p.MaxWait = p.InitialWait
	}
	return p
}

// Do calls fn until it succeeds, fails with an error retryable rejects, or
// MaxAttempts is reached. It returns the number of attempts made. The last
// error of an exhausted run is wrapped, so errors.As still sees the cause.
func Do(ctx context.Context, p Policy, op string, retryable func(error) bool, fn func(ctx context.Context) error) (int, error) {
	p = p.normalize()
	logger := logutil.GetLogger(ctx).With(zap.String("op", op))
	wait := p.InitialWait
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			if attempt > 1 {
				logger.Debug("succeeded after retry", zap.Int("attempt", attempt))
			}
			return attempt, nil
		}
		if !retryable(err) {
			return attempt, err
		}
		if attempt == p.MaxAttempts {
			if p.MaxAttempts == 1 {
				return attempt, err
			}
			return attempt, fmt.Errorf("max retries exceeded (%d attempts): %w", p.MaxAttempts, err)
		}
		logger.Warn("attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.MaxAttempts),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return attempt, ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > p.MaxWait {
			wait = p.MaxWait
		}
	}
	return p.MaxAttempts, err
}
