package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-dispatch/internal/dispatch"
	"github.com/ignite/campaign-dispatch/internal/domain"
	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
	"github.com/ignite/campaign-dispatch/internal/queue"
)

// HealthCheckFunc pings one dependency. Nil error means up.
type HealthCheckFunc func(ctx context.Context) error

// Handlers holds the HTTP handlers over the dispatch ingress.
type Handlers struct {
	ingress   *dispatch.Ingress
	checks    map[string]HealthCheckFunc
	startTime time.Time
	log       *logger.Logger
}

// NewHandlers creates the handler set. checks may be nil.
func NewHandlers(ingress *dispatch.Ingress, checks map[string]HealthCheckFunc) *Handlers {
	return &Handlers{
		ingress:   ingress,
		checks:    checks,
		startTime: time.Now(),
		log:       logger.Component("api"),
	}
}

// recipientRequest is one batch member as submitted by the caller.
type recipientRequest struct {
	EmailID     string `json:"email_id"`
	RecipientID string `json:"recipient_id"`
	Email       string `json:"email"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	CompanyName string `json:"company_name"`
}

// enqueueRequest is the body of both enqueue endpoints. The single-send
// endpoint expects exactly one recipient.
type enqueueRequest struct {
	CampaignID    string             `json:"campaign_id"`
	SenderID      string             `json:"sender_id"`
	Transport     string             `json:"transport"`
	Recipients    []recipientRequest `json:"recipients"`
	IntervalSec   int64              `json:"interval_sec"`
	BatchDelaySec int64              `json:"batch_delay_sec"`
	Priority      string             `json:"priority"`
	Jitter        bool               `json:"jitter"`
}

func (req *enqueueRequest) validate() string {
	if req.CampaignID == "" {
		return "campaign_id is required"
	}
	if req.SenderID == "" {
		return "sender_id is required"
	}
	switch domain.TransportKind(req.Transport) {
	case domain.TransportSMTP, domain.TransportSES:
	default:
		return "transport must be SMTP or SES"
	}
	if len(req.Recipients) == 0 {
		return "recipients must not be empty"
	}
	for _, rcpt := range req.Recipients {
		if rcpt.EmailID == "" || rcpt.RecipientID == "" || rcpt.Email == "" {
			return "every recipient needs email_id, recipient_id and email"
		}
	}
	if req.IntervalSec < 0 || req.BatchDelaySec < 0 {
		return "interval_sec and batch_delay_sec must not be negative"
	}
	return ""
}

func (req *enqueueRequest) params() dispatch.EnqueueParams {
	recipients := make([]dispatch.Recipient, 0, len(req.Recipients))
	for _, rcpt := range req.Recipients {
		recipients = append(recipients, dispatch.Recipient{
			EmailID:     rcpt.EmailID,
			RecipientID: rcpt.RecipientID,
			Email:       rcpt.Email,
			FirstName:   rcpt.FirstName,
			LastName:    rcpt.LastName,
			CompanyName: rcpt.CompanyName,
		})
	}
	return dispatch.EnqueueParams{
		CampaignID:    req.CampaignID,
		SenderID:      req.SenderID,
		Transport:     domain.TransportKind(req.Transport),
		Recipients:    recipients,
		IntervalSec:   req.IntervalSec,
		BatchDelaySec: req.BatchDelaySec,
		Priority:      req.Priority,
		Jitter:        req.Jitter,
	}
}

// EnqueueBulk submits a campaign batch.
//
//	POST /api/emails/bulk
func (h *Handlers) EnqueueBulk(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	accepted, err := h.ingress.EnqueueBulk(r.Context(), req.params())
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
	})
}

// EnqueueOne submits a single send and returns its job id.
//
//	POST /api/emails
func (h *Handlers) EnqueueOne(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if msg := req.validate(); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Recipients) != 1 {
		respondError(w, http.StatusBadRequest, "expected exactly one recipient")
		return
	}

	jobID, err := h.ingress.EnqueueOne(r.Context(), req.params())
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": jobID,
	})
}

// CancelCampaign removes the campaign's pending jobs.
//
//	DELETE /api/campaigns/{campaignID}
func (h *Handlers) CancelCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	removed, err := h.ingress.CancelCampaign(r.Context(), campaignID)
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": campaignID,
		"removed":     removed,
	})
}

// PauseCampaign marks a campaign paused.
//
//	POST /api/campaigns/{campaignID}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := h.ingress.PauseCampaign(r.Context(), campaignID); err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": campaignID,
		"paused":      true,
	})
}

// ResumeCampaign clears a pause mark.
//
//	POST /api/campaigns/{campaignID}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := h.ingress.ResumeCampaign(r.Context(), campaignID); err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_id": campaignID,
		"paused":      false,
	})
}

// PausedCampaigns lists paused campaign ids.
//
//	GET /api/campaigns/paused
func (h *Handlers) PausedCampaigns(w http.ResponseWriter, r *http.Request) {
	ids, err := h.ingress.PausedCampaigns(r.Context())
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"campaign_ids": ids,
	})
}

// QueueStats reports queue depth per state.
//
//	GET /api/queue/stats
func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := h.ingress.QueueStats(r.Context())
	if err != nil {
		h.respondDispatchError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, counts)
}

// HealthCheck pings each registered dependency.
//
//	GET /health
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	checks := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check(ctx)
		cancel()
		if err != nil {
			checks[name] = "down"
			status = "unhealthy"
			continue
		}
		checks[name] = "up"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status": status,
		"uptime": time.Since(h.startTime).Round(time.Second).String(),
		"checks": checks,
	})
}

// respondDispatchError maps dispatch errors onto HTTP statuses. Anything
// unrecognized is a 500 with the detail kept out of the response body.
func (h *Handlers) respondDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, dispatch.ErrCampaignGone), errors.Is(err, dispatch.ErrOrgGone):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrAlreadyPaused), errors.Is(err, dispatch.ErrNotPaused):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, dispatch.ErrInvalidWindow), errors.Is(err, queue.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queue.ErrDuplicateJobID):
		respondError(w, http.StatusConflict, err.Error())
	default:
		h.log.Error("request failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
