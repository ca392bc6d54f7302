package adapter

import "context"

// EventNotifier wakes stream viewers of a job after events were appended. Notifications
// carry no payload; viewers re-read the event log, so a lost or duplicated notification
// only costs latency.
type EventNotifier interface {
	Publish(ctx context.Context, jobID string)
	Subscribe(jobID string) (<-chan struct{}, func())
}

// JobLimiter bounds how many non-terminal jobs one client may hold.
type JobLimiter interface {
	Acquire(ctx context.Context, clientKey, jobID string) (bool, error)
	Release(ctx context.Context, clientKey, jobID string) error
}
