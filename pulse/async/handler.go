package async

import "context"

// JobHandler executes the jobs of one queue.
//
// Domain packages implement this and decode their own payload types from
// job.Payload. The returned value is stored as the job result. Return an
// error wrapped with Unrecoverable to fail the job without retrying.
//
// Handlers MUST honor ctx: it is cancelled when shutdown runs past its
// deadline, and the job is then released back to the queue.
type JobHandler interface {
	Execute(ctx context.Context, job *Job, progress ProgressReporter) (interface{}, error)
}

// HandlerFunc adapts a function to JobHandler
type HandlerFunc func(ctx context.Context, job *Job, progress ProgressReporter) (interface{}, error)

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, job *Job, progress ProgressReporter) (interface{}, error) {
	return f(ctx, job, progress)
}

// ProgressReporter records job progress in percent (clamped to 0-100)
type ProgressReporter interface {
	Report(ctx context.Context, percent int) error
}

// ProgressFunc adapts a function to ProgressReporter
type ProgressFunc func(ctx context.Context, percent int) error

// Report calls f
func (f ProgressFunc) Report(ctx context.Context, percent int) error {
	return f(ctx, percent)
}

// NopProgress discards progress, for invoking handlers outside a worker
var NopProgress ProgressReporter = ProgressFunc(func(context.Context, int) error { return nil })

type jobProgress struct {
	queue *Queue
	job   *Job
}

func (p jobProgress) Report(ctx context.Context, percent int) error {
	return p.queue.UpdateProgress(ctx, p.job, percent)
}
