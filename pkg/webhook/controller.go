// Package webhook receives Strava push events and drives the bounded retry
// session around activity processing. Strava expects a fast 200 on every
// delivery; all real work happens behind that acknowledgement.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	shared "github.com/stravaweather/server/pkg"
	"github.com/stravaweather/server/pkg/processor"
	"github.com/stravaweather/server/pkg/strava"
)

// ActivityProcessor runs one enrichment attempt.
type ActivityProcessor interface {
	ProcessActivity(ctx context.Context, userID, activityID string) *processor.Result
}

// Controller owns the retry session. State lives entirely on the stack of
// one ProcessWithRetry call; there is no durable queue.
type Controller struct {
	processor ActivityProcessor
	logger    *slog.Logger

	maxAttempts int
	delays      []time.Duration
	deadline    time.Duration
}

func NewController(p ActivityProcessor, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		processor:   p,
		logger:      logger,
		maxAttempts: shared.WebhookMaxRetryAttempts,
		delays:      shared.WebhookRetryDelays,
		deadline:    shared.WebhookMaxProcessingTime,
	}
}

// retryable reports whether another attempt could change the outcome. Only
// an upstream not-found qualifies: fresh activities can lag behind their
// webhook notification.
func retryable(result *processor.Result) bool {
	return result.Err != nil && errors.Is(result.Err, strava.ErrNotFound)
}

// ProcessWithRetry runs up to maxAttempts processing attempts under one
// deadline. It stops early on success, on a skip, and on any non-retryable
// failure.
func (c *Controller) ProcessWithRetry(ctx context.Context, userID, activityID string) *processor.Result {
	ctx, cancel := context.WithTimeout(ctx, c.deadline)
	defer cancel()

	logger := c.logger.With("user_id", userID, "activity_id", activityID)

	var failures []string
	var last *processor.Result

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := c.delays[min(attempt-2, len(c.delays)-1)]
			logger.Info("Retrying activity processing", "attempt", attempt, "delay", delay)

			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				failures = append(failures, fmt.Sprintf("attempt %d: %v", attempt, ctx.Err()))
				return &processor.Result{
					ActivityID: activityID,
					Error:      "processing deadline exceeded: " + strings.Join(failures, "; "),
					Err:        ctx.Err(),
				}
			case <-timer.C:
			}
		}

		last = c.processor.ProcessActivity(ctx, userID, activityID)

		if last.Success || last.Skipped {
			return last
		}
		if !retryable(last) {
			logger.Warn("Activity processing failed", "attempt", attempt, "error", last.Error)
			return last
		}

		logger.Info("Activity not yet available upstream", "attempt", attempt)
		failures = append(failures, fmt.Sprintf("attempt %d: %s", attempt, last.Error))
	}

	logger.Warn("Activity processing exhausted retries", "attempts", c.maxAttempts)
	return &processor.Result{
		ActivityID: activityID,
		Error:      strings.Join(failures, "; "),
		Err:        last.Err,
	}
}
