package server

import (
	"net/http"
	"time"

	"github.com/teranos/pawnx/logger"
	"github.com/teranos/pawnx/mint"
	"github.com/teranos/pawnx/pawn"
	"github.com/teranos/pawnx/pulse/async"
)

const (
	// Default and max limits for job listing queries
	defaultJobLimit = 50
	maxJobLimit     = 200
)

// HandlePulseJobs handles GET /api/pulse/jobs?queue=&state=&limit=
func (s *Server) HandlePulseJobs(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	jobs, err := s.queue.ListJobs(r.Context(), async.JobFilter{
		Queue: r.URL.Query().Get("queue"),
		State: async.JobState(r.URL.Query().Get("state")),
		Limit: parseIntQueryParam(r, "limit", defaultJobLimit, 1, maxJobLimit),
	})
	if err != nil {
		handleError(w, s.logger, err, "failed to list jobs")
		return
	}

	now := time.Now()
	statuses := make([]*async.JobStatus, 0, len(jobs))
	for _, j := range jobs {
		statuses = append(statuses, j.Status(now))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  statuses,
		"count": len(statuses),
	})
}

// HandlePulseJob handles /api/pulse/jobs/{id}
// GET: job status, DELETE: cancel a waiting or delayed job
func (s *Server) HandlePulseJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/pulse/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "Missing job ID")
		return
	}
	jobID := parts[0]

	switch r.Method {
	case http.MethodGet:
		status, err := s.service.GetJobStatus(r.Context(), jobID)
		if err != nil {
			handleError(w, s.logger, err, "failed to get job")
			return
		}
		writeJSON(w, http.StatusOK, status)
	case http.MethodDelete:
		if err := s.service.CancelJob(r.Context(), jobID); err != nil {
			handleError(w, s.logger, err, "failed to cancel job")
			return
		}
		s.logger.Infow("Job cancelled", logger.FieldJobID, jobID, "remote", r.RemoteAddr)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// HandleRepayments handles POST /api/repayments
func (s *Server) HandleRepayments(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req pawn.RepaymentRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	h, err := s.service.EnqueueRepayment(r.Context(), req)
	if err != nil {
		handleError(w, s.logger, err, "failed to enqueue repayment")
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// HandleMints handles POST /api/mints
func (s *Server) HandleMints(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req mint.Job
	if readJSON(w, r, &req) != nil {
		return
	}
	h, err := s.service.EnqueueMint(r.Context(), req)
	if err != nil {
		handleError(w, s.logger, err, "failed to enqueue mint")
		return
	}
	status := http.StatusAccepted
	if h.Duplicate {
		status = http.StatusOK
	}
	writeJSON(w, status, h)
}

// HandlePurchases handles POST /api/purchases
func (s *Server) HandlePurchases(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req pawn.PurchaseRequest
	if readJSON(w, r, &req) != nil {
		return
	}
	h, err := s.service.EnqueuePurchase(r.Context(), req)
	if err != nil {
		handleError(w, s.logger, err, "failed to enqueue purchase")
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// HandleDiscovery handles POST /api/discovery?force=true
func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	h, err := s.service.TriggerDiscovery(r.Context(), force)
	if err != nil {
		handleError(w, s.logger, err, "failed to trigger discovery")
		return
	}
	writeJSON(w, http.StatusAccepted, h)
}

// HandleTokenFailures handles GET /api/tokens/{id}/failures
func (s *Server) HandleTokenFailures(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/tokens/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "failures" {
		writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	failures, err := s.service.Failures(r.Context(), parts[0])
	if err != nil {
		handleError(w, s.logger, err, "failed to list failures")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token_id": parts[0],
		"failures": failures,
		"count":    len(failures),
	})
}
