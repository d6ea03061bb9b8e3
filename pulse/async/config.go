package async

import (
	"time"

	"github.com/teranos/pawnx/am"
)

// QueueConfig is the runtime configuration of one named queue
type QueueConfig struct {
	Name        string
	Concurrency int
	Attempts    int
	Backoff     Backoff
	// RemoveOnComplete and RemoveOnFail cap how many terminal jobs are
	// retained per queue; the oldest are evicted first. Zero retains all.
	RemoveOnComplete int
	RemoveOnFail     int
	// StallTimeout is how long a claimed job may go without a lock renewal
	// before it is considered stalled.
	StallTimeout time.Duration
}

// DefaultStallTimeout applies when a queue does not set one
const DefaultStallTimeout = 30 * time.Second

// QueueConfigFrom converts the am section for a queue
func QueueConfigFrom(name string, c am.QueueConfig) QueueConfig {
	kind := BackoffExponential
	if c.BackoffKind == string(BackoffFixed) {
		kind = BackoffFixed
	}
	return QueueConfig{
		Name:             name,
		Concurrency:      c.Concurrency,
		Attempts:         c.Attempts,
		Backoff:          Backoff{Kind: kind, Delay: time.Duration(c.BackoffMS) * time.Millisecond},
		RemoveOnComplete: c.RemoveOnComplete,
		RemoveOnFail:     c.RemoveOnFail,
		StallTimeout:     time.Duration(c.StallTimeoutSeconds) * time.Second,
	}
}

func (c QueueConfig) normalized() QueueConfig {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.Attempts < 1 {
		c.Attempts = 1
	}
	if c.Backoff.Kind == "" {
		c.Backoff.Kind = BackoffExponential
	}
	if c.StallTimeout <= 0 {
		c.StallTimeout = DefaultStallTimeout
	}
	return c
}
