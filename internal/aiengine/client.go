// Package aiengine is a small HTTP client for the image-processing service.
package aiengine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultTimeout = 30 * time.Second

// Status values reported by the engine.
const (
	StatusQueued    = "queued"
	StatusCompleted = "completed"
	StatusSuccess   = "success"
	StatusError     = "error"
)

// ErrUnreachable wraps transport failures talking to the engine.
var ErrUnreachable = errors.New("ai engine is not reachable")

// ProcessRequest asks the engine to edit a gallery.
type ProcessRequest struct {
	GalleryID      string                 `json:"gallery_id"`
	StyleProfileID *string                `json:"style_profile_id"`
	Settings       map[string]interface{} `json:"settings"`
	IncludedImages *int                   `json:"included_images"`
}

// ProcessResponse is the engine's answer to a process request.
type ProcessResponse struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Message     string `json:"message"`
	TotalImages int    `json:"total_images"`
}

// Accepted reports whether the engine queued new work.
func (r *ProcessResponse) Accepted() bool {
	return r.Status != StatusError && r.JobID != ""
}

// RestyleRequest asks the engine to re-edit one photo with another style.
type RestyleRequest struct {
	PhotoID        string  `json:"photo_id"`
	StyleProfileID string  `json:"style_profile_id"`
	GalleryID      *string `json:"gallery_id"`
}

// RestyleResponse is the engine's answer to a restyle request.
type RestyleResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	OutputKey string `json:"output_key,omitempty"`
}

// Succeeded reports whether the photo was re-edited.
func (r *RestyleResponse) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Client talks to the engine over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient returns a Client for baseURL. A nil httpClient gets a default
// with a 30 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// ProcessGallery starts processing a gallery.
func (c *Client) ProcessGallery(ctx context.Context, req ProcessRequest) (*ProcessResponse, error) {
	if strings.TrimSpace(req.GalleryID) == "" {
		return nil, errors.New("gallery_id is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal process request: %w", err)
	}

	var out ProcessResponse
	status, err := c.do(ctx, http.MethodPost, "/api/process/gallery", body, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return &out, fmt.Errorf("ai engine process returned %d: %s", status, out.Message)
	}
	return &out, nil
}

// RestylePhoto re-edits a single photo with a different style profile.
func (c *Client) RestylePhoto(ctx context.Context, req RestyleRequest) (*RestyleResponse, error) {
	if strings.TrimSpace(req.PhotoID) == "" || strings.TrimSpace(req.StyleProfileID) == "" {
		return nil, errors.New("photo_id and style_profile_id are required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal restyle request: %w", err)
	}

	var out RestyleResponse
	status, err := c.do(ctx, http.MethodPost, "/api/process/restyle", body, &out)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return &out, fmt.Errorf("ai engine restyle returned %d: %s", status, out.Message)
	}
	return &out, nil
}

// JobStatus fetches the engine's view of a processing job. The body is
// returned as decoded JSON.
func (c *Client) JobStatus(ctx context.Context, jobID string) (map[string]interface{}, int, error) {
	if strings.TrimSpace(jobID) == "" {
		return nil, 0, errors.New("job_id is required")
	}
	out := map[string]interface{}{}
	status, err := c.do(ctx, http.MethodGet, "/api/process/status/"+url.PathEscape(jobID), nil, &out)
	if err != nil {
		return nil, 0, err
	}
	return out, status, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out interface{}) (int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build ai engine request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read ai engine response: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode ai engine response (%d): %w", resp.StatusCode, err)
	}
	return resp.StatusCode, nil
}
