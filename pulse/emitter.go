package pulse

import (
	"context"

	"github.com/teranos/pawnx/pulse/async"
)

// ProgressEmitter reports the stages of a long-running job
type ProgressEmitter interface {
	// EmitStage announces a stage and the job's overall percent
	EmitStage(ctx context.Context, stage string, progress int, message string, details map[string]interface{})
	// EmitComplete announces success with a result summary
	EmitComplete(ctx context.Context, data interface{})
	// EmitError announces a failure at stage
	EmitError(ctx context.Context, stage string, err error)
}

// JobEmitter emits progress events for one job on a bus and mirrors the
// percent onto the job record.
type JobEmitter struct {
	bus          *Bus
	reporter     async.ProgressReporter
	jobID        string
	subjectID    string
	subscriberID string
	last         int
}

// NewJobEmitter creates an emitter for jobID working on subjectID, addressed
// to subscriberID. reporter may be nil.
func NewJobEmitter(bus *Bus, reporter async.ProgressReporter, jobID, subjectID, subscriberID string) *JobEmitter {
	return &JobEmitter{
		bus:          bus,
		reporter:     reporter,
		jobID:        jobID,
		subjectID:    subjectID,
		subscriberID: subscriberID,
	}
}

func (e *JobEmitter) event(kind EventKind) Event {
	return Event{
		JobID:        e.jobID,
		SubjectID:    e.subjectID,
		SubscriberID: e.subscriberID,
		Kind:         kind,
		Progress:     e.last,
	}
}

// EmitStage implements ProgressEmitter
func (e *JobEmitter) EmitStage(ctx context.Context, stage string, progress int, message string, details map[string]interface{}) {
	e.last = progress
	if e.reporter != nil {
		// lock loss surfaces on complete/fail; progress stays best effort
		_ = e.reporter.Report(ctx, progress)
	}
	if e.bus == nil {
		return
	}
	ev := e.event(KindProgress)
	ev.Stage = stage
	ev.Message = message
	ev.Details = details
	e.bus.Publish(ctx, ev)
}

// EmitComplete implements ProgressEmitter
func (e *JobEmitter) EmitComplete(ctx context.Context, data interface{}) {
	e.last = 100
	if e.reporter != nil {
		_ = e.reporter.Report(ctx, 100)
	}
	if e.bus == nil {
		return
	}
	ev := e.event(KindComplete)
	ev.Success = true
	ev.Data = data
	e.bus.Publish(ctx, ev)
}

// EmitError implements ProgressEmitter
func (e *JobEmitter) EmitError(ctx context.Context, stage string, err error) {
	if e.bus == nil {
		return
	}
	ev := e.event(KindError)
	ev.Stage = stage
	if err != nil {
		ev.Error = err.Error()
	}
	e.bus.Publish(ctx, ev)
}

// Progress returns the last percent emitted
func (e *JobEmitter) Progress() int {
	return e.last
}
