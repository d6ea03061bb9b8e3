package settlement

import (
	"context"

	"github.com/teranos/pawnx/errors"
	"github.com/teranos/pawnx/pulse"
	"github.com/teranos/pawnx/pulse/async"
)

// Job is the repayment queue payload
type Job struct {
	TokenID           string `json:"token_id"`
	ListingID         string `json:"listing_id,omitempty"`
	InitiatorID       string `json:"initiator_id"`
	OperatorAccountID string `json:"operator_account_id,omitempty"`
	// SubscriberID receives progress; the initiator when empty
	SubscriberID string `json:"subscriber_id,omitempty"`
}

// Handler runs repayment jobs through a Pipeline
type Handler struct {
	pipeline *Pipeline
	bus      *pulse.Bus
}

// NewHandler creates the repayment handler. bus may be nil.
func NewHandler(pipeline *Pipeline, bus *pulse.Bus) *Handler {
	return &Handler{pipeline: pipeline, bus: bus}
}

// Execute implements async.JobHandler
func (h *Handler) Execute(ctx context.Context, job *async.Job, progress async.ProgressReporter) (interface{}, error) {
	var p Job
	if err := job.Decode(&p); err != nil {
		return nil, async.Unrecoverable(errors.Wrap(err, "invalid repayment payload"))
	}

	subscriber := p.SubscriberID
	if subscriber == "" {
		subscriber = p.InitiatorID
	}
	emit := pulse.NewJobEmitter(h.bus, progress, job.ID, p.TokenID, subscriber)

	return h.pipeline.Run(ctx, Request{
		JobID:             job.ID,
		TokenID:           p.TokenID,
		ListingID:         p.ListingID,
		InitiatorID:       p.InitiatorID,
		OperatorAccountID: p.OperatorAccountID,
	}, emit)
}
