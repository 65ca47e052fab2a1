package videoapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultPollTimeout  = 15 * time.Minute
)

// ErrPollTimeout is returned when a task stays in the generating state past
// the polling ceiling. The task itself may still complete upstream.
var ErrPollTimeout = errors.New("videoapi: generation still running after poll timeout")

// TaskFailedError reports a terminal provider failure.
type TaskFailedError struct {
	TaskID      string
	SuccessFlag int
	Message     string
}

func (taskError *TaskFailedError) Error() string {
	message := taskError.Message
	if message == "" {
		message = "generation failed"
	}
	return fmt.Sprintf("videoapi: task %s failed (flag=%d): %s", taskError.TaskID, taskError.SuccessFlag, message)
}

// StatusFetcher is the slice of Client the poller needs.
type StatusFetcher interface {
	TaskStatus(ctx context.Context, taskID string) (TaskStatus, error)
}

// Poller repeatedly fetches task status until the provider reports a terminal
// state or the ceiling elapses.
type Poller struct {
	fetcher  StatusFetcher
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger
}

// NewPoller wires a Poller. Non-positive interval or timeout fall back to the
// defaults.
func NewPoller(fetcher StatusFetcher, interval time.Duration, timeout time.Duration, logger *zap.Logger) (*Poller, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("videoapi: status fetcher dependency is nil")
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{fetcher: fetcher, interval: interval, timeout: timeout, logger: logger}, nil
}

// Await blocks until the task reaches a terminal state. Flags 1 and 4 both
// count as success; 4 means only the provider's own callback delivery failed,
// the result is still usable. Transient fetch errors are logged and retried
// on the next tick.
func (poller *Poller) Await(ctx context.Context, taskID string) (TaskStatus, error) {
	deadline := time.NewTimer(poller.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(poller.interval)
	defer ticker.Stop()

	for {
		status, err := poller.fetcher.TaskStatus(ctx, taskID)
		if err != nil {
			poller.logger.Warn("status fetch failed, will retry",
				zap.String("task_id", taskID),
				zap.Error(err),
			)
		} else {
			switch status.SuccessFlag {
			case FlagGenerating:
				poller.logger.Debug("task still generating", zap.String("task_id", taskID))
			case FlagSuccess, FlagCallbackFailed:
				if status.Response == nil || len(status.Response.ResultURLs) == 0 {
					return status, &TaskFailedError{
						TaskID:      taskID,
						SuccessFlag: status.SuccessFlag,
						Message:     "success reported without result urls",
					}
				}
				return status, nil
			default:
				return status, &TaskFailedError{
					TaskID:      taskID,
					SuccessFlag: status.SuccessFlag,
					Message:     status.ErrorMessage,
				}
			}
		}

		select {
		case <-ctx.Done():
			return TaskStatus{}, ctx.Err()
		case <-deadline.C:
			return TaskStatus{}, ErrPollTimeout
		case <-ticker.C:
		}
	}
}
