// Package cdn implements the client for the CDN signing service. The service
// exchanges a project file reference for a short-lived CDN URL plus the
// cookies the CDN needs to authorize the download.
package cdn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/project-storage/project-storage/internal/storage"
	"github.com/project-storage/project-storage/internal/telemetry"
)

const defaultTimeout = 10 * time.Second

// maxErrorBody caps how much of a failed response is kept for logging.
const maxErrorBody = 4096

// Identity supplies the deployment identity headers.
type Identity interface {
	Headers(ctx context.Context) (http.Header, error)
}

// Request identifies one project file.
type Request struct {
	ProjectName      string `json:"projectName"`
	ProjectTimestamp int64  `json:"projectTimestamp"`
	FileID           string `json:"fileId"`
}

// Link is a resolved CDN download location.
type Link struct {
	URL     string
	Cookies []*http.Cookie
}

type resolveResponse struct {
	URL     string            `json:"url"`
	Cookies map[string]string `json:"cookies"`
}

// ResolverError is a non-success status from the signing service.
type ResolverError struct {
	StatusCode int
	Body       string
}

func (e *ResolverError) Error() string {
	if e.StatusCode == http.StatusUnauthorized {
		return "unauthorized instance"
	}
	return fmt.Sprintf("resolver error %d", e.StatusCode)
}

// Unwrap maps 401 to ErrForbidden and every other failure status to ErrNotFound.
func (e *ResolverError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized {
		return storage.ErrForbidden
	}
	return storage.ErrNotFound
}

// Resolver calls the signing service. The zero resolver URL disables it.
type Resolver struct {
	URL        string
	HTTPClient *http.Client
	identity   Identity
}

// NewResolver creates a resolver for url. A timeout of zero uses the default.
func NewResolver(url string, identity Identity, timeout time.Duration) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Resolver{
		URL:        url,
		HTTPClient: &http.Client{Timeout: timeout},
		identity:   identity,
	}
}

// Enabled reports whether a resolver URL is configured.
func (r *Resolver) Enabled() bool {
	return r != nil && r.URL != ""
}

// Resolve asks the signing service for a link. It is not retried.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Link, error) {
	if !r.Enabled() {
		return nil, fmt.Errorf("%w: CDN is not enabled", storage.ErrFeatureDisabled)
	}

	link, err := r.resolve(ctx, req)
	telemetry.CDNResolutionsTotal.WithLabelValues(outcome(err)).Inc()
	return link, err
}

func (r *Resolver) resolve(ctx context.Context, req Request) (*Link, error) {
	headers, err := r.identity.Headers(ctx)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to encode resolver request: %v", storage.ErrInternal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create resolver request: %v", storage.ErrInternal, err)
	}
	for k, v := range headers {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: resolver request failed: %v", storage.ErrInternal, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		rerr := &ResolverError{StatusCode: resp.StatusCode, Body: string(body)}
		if resp.StatusCode != http.StatusUnauthorized {
			slog.Error("CDN resolver error", "status", resp.StatusCode, "body", rerr.Body, "project", req.ProjectName)
		}
		return nil, rerr
	}

	var decoded resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("%w: failed to decode resolver response: %v", storage.ErrInternal, err)
	}
	if decoded.URL == "" {
		return nil, fmt.Errorf("%w: resolver response has no url", storage.ErrInternal)
	}

	link := &Link{URL: decoded.URL}
	for name, value := range decoded.Cookies {
		link.Cookies = append(link.Cookies, &http.Cookie{
			Name:     name,
			Value:    value,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		})
	}
	return link, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrForbidden):
		return "forbidden"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
