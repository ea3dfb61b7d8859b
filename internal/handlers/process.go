package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/aiengine"
	"github.com/PortNumber53/apelier/backend/internal/billing"
)

// ImageEngine starts and tracks image-processing jobs.
type ImageEngine interface {
	ProcessGallery(ctx context.Context, req aiengine.ProcessRequest) (*aiengine.ProcessResponse, error)
	RestylePhoto(ctx context.Context, req aiengine.RestyleRequest) (*aiengine.RestyleResponse, error)
	JobStatus(ctx context.Context, jobID string) (map[string]interface{}, int, error)
}

// ProcessHandler gates image processing on the account's plan.
type ProcessHandler struct {
	Gate   UsageGate
	Engine ImageEngine
	Log    logrus.FieldLogger
}

// NewProcessHandler creates a ProcessHandler.
func NewProcessHandler(gate UsageGate, engine ImageEngine, logger logrus.FieldLogger) *ProcessHandler {
	return &ProcessHandler{
		Gate:   gate,
		Engine: engine,
		Log:    loggerOr(logger).WithField("component", "process_api"),
	}
}

// RegisterRoutes registers the processing routes.
func (h *ProcessHandler) RegisterRoutes(router chi.Router) {
	router.Post("/api/process", h.Process())
	router.Post("/api/process/restyle", h.Restyle())
	router.Get("/api/process/status/{jobID}", h.Status())
}

type processRequest struct {
	AccountID      string                 `json:"account_id"`
	GalleryID      string                 `json:"gallery_id"`
	StyleProfileID *string                `json:"style_profile_id"`
	Settings       map[string]interface{} `json:"settings"`
	IncludedImages *int                   `json:"included_images"`
}

// Process checks the usage gate, starts processing, then charges the images
// the engine accepted.
func (h *ProcessHandler) Process() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req processRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		req.AccountID = strings.TrimSpace(req.AccountID)
		req.GalleryID = strings.TrimSpace(req.GalleryID)
		if req.AccountID == "" || req.GalleryID == "" {
			writeError(w, http.StatusBadRequest, "account_id and gallery_id are required")
			return
		}
		entry := h.Log.WithFields(logrus.Fields{"account_id": req.AccountID, "gallery_id": req.GalleryID})

		if !h.authorize(w, r, req.AccountID) {
			return
		}

		resp, err := h.Engine.ProcessGallery(r.Context(), aiengine.ProcessRequest{
			GalleryID:      req.GalleryID,
			StyleProfileID: req.StyleProfileID,
			Settings:       req.Settings,
			IncludedImages: req.IncludedImages,
		})
		if errors.Is(err, aiengine.ErrUnreachable) {
			entry.WithError(err).Warn("ai engine unreachable")
			writeError(w, http.StatusServiceUnavailable, "AI Engine is not reachable. Make sure it is running.")
			return
		}
		if err != nil {
			entry.WithError(err).Error("ai engine rejected request")
			if resp != nil {
				writeJSON(w, http.StatusInternalServerError, resp)
				return
			}
			writeError(w, http.StatusInternalServerError, "processing failed")
			return
		}

		if resp.Accepted() {
			h.record(r, entry, req.AccountID, resp.TotalImages)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

type restyleRequest struct {
	AccountID      string  `json:"account_id"`
	PhotoID        string  `json:"photo_id"`
	StyleProfileID string  `json:"style_profile_id"`
	GalleryID      *string `json:"gallery_id"`
}

// Restyle re-edits one photo with another style profile. It passes the same
// usage gate as Process and charges one unit when the engine succeeds.
func (h *ProcessHandler) Restyle() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req restyleRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON payload")
			return
		}
		req.AccountID = strings.TrimSpace(req.AccountID)
		req.PhotoID = strings.TrimSpace(req.PhotoID)
		req.StyleProfileID = strings.TrimSpace(req.StyleProfileID)
		if req.AccountID == "" || req.PhotoID == "" || req.StyleProfileID == "" {
			writeError(w, http.StatusBadRequest, "account_id, photo_id and style_profile_id are required")
			return
		}
		entry := h.Log.WithFields(logrus.Fields{"account_id": req.AccountID, "photo_id": req.PhotoID})

		if !h.authorize(w, r, req.AccountID) {
			return
		}

		resp, err := h.Engine.RestylePhoto(r.Context(), aiengine.RestyleRequest{
			PhotoID:        req.PhotoID,
			StyleProfileID: req.StyleProfileID,
			GalleryID:      req.GalleryID,
		})
		if errors.Is(err, aiengine.ErrUnreachable) {
			entry.WithError(err).Warn("ai engine unreachable")
			writeError(w, http.StatusServiceUnavailable, "AI Engine is not reachable for restyle.")
			return
		}
		if err != nil {
			entry.WithError(err).Error("ai engine rejected restyle")
			if resp != nil {
				writeJSON(w, http.StatusInternalServerError, resp)
				return
			}
			writeError(w, http.StatusInternalServerError, "restyle failed")
			return
		}

		if resp.Succeeded() {
			h.record(r, entry, req.AccountID, restyleUnits)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

const restyleUnits = 1

// authorize runs the usage gate and writes the refusal when the account may
// not process. It reports whether the caller may go on.
func (h *ProcessHandler) authorize(w http.ResponseWriter, r *http.Request, accountID string) bool {
	d, err := h.Gate.Authorize(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "error",
			"error":   string(billing.ReasonUnavailable),
			"message": d.Reason,
		})
		return false
	}
	if d.Code == billing.ReasonUnknownAccount {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{
			"status":  "error",
			"error":   string(billing.ReasonUnknownAccount),
			"message": d.Reason,
		})
		return false
	}
	if !d.Allowed {
		writeJSON(w, http.StatusForbidden, map[string]interface{}{
			"status":  "error",
			"error":   "tier_limit",
			"code":    d.Code,
			"message": d.Reason,
			"limit":   d.Limit,
			"used":    d.Used,
		})
		return false
	}
	return true
}

// record charges units for work the engine has already accepted. It runs
// detached from the request's cancellation; a failed charge is only logged.
func (h *ProcessHandler) record(r *http.Request, entry logrus.FieldLogger, accountID string, units int) {
	if err := h.Gate.Record(context.WithoutCancel(r.Context()), accountID, units); err != nil {
		entry.WithError(err).WithField("units", units).Error("failed to record usage")
	}
}

// Status proxies the engine's job status.
func (h *ProcessHandler) Status() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := chi.URLParam(r, "jobID")
		if jobID == "" {
			writeError(w, http.StatusBadRequest, "job_id is required")
			return
		}
		out, code, err := h.Engine.JobStatus(r.Context(), jobID)
		if err != nil {
			h.Log.WithError(err).WithField("job_id", jobID).Warn("status lookup failed")
			writeError(w, http.StatusServiceUnavailable, "AI Engine is not reachable. Make sure it is running.")
			return
		}
		if code < 200 || code >= 600 {
			code = http.StatusOK
		}
		writeJSON(w, code, out)
	}
}
