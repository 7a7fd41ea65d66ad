// Package newsletter syncs marketing consent to the external mailing-list
// service. Every call is best effort: callers log failures and move on.
package newsletter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Topic is the preferences topic that maps to mailing-list membership.
const Topic = "newsletter"

// ErrNotConfigured is returned by HTTPSyncer when no API key is set.
var ErrNotConfigured = errors.New("newsletter: not configured")

// Syncer adds and removes subscribers on the mailing list.
type Syncer interface {
	// Subscribe adds email and returns the provider's subscriber id.
	Subscribe(ctx context.Context, email string) (string, error)
	// Unsubscribe removes a previously returned subscriber id.
	Unsubscribe(ctx context.Context, subscriberID string) error
}

// Noop is used when no mailing list is configured.
type Noop struct{}

func (Noop) Subscribe(context.Context, string) (string, error) { return "", nil }
func (Noop) Unsubscribe(context.Context, string) error         { return nil }

// HTTPSyncer talks to a bearer-authenticated publication API of the form
// POST {base}/publications/{id}/subscriptions and
// DELETE {base}/publications/{id}/subscriptions/{subscriberID}.
type HTTPSyncer struct {
	apiKey        string
	baseURL       string
	publicationID string
	httpClient    *http.Client
}

func NewHTTPSyncer(apiKey, baseURL, publicationID string) *HTTPSyncer {
	return &HTTPSyncer{
		apiKey:        apiKey,
		baseURL:       strings.TrimRight(baseURL, "/"),
		publicationID: publicationID,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type subscribeRequest struct {
	Email              string `json:"email"`
	ReactivateExisting bool   `json:"reactivate_existing"`
	SendWelcomeEmail   bool   `json:"send_welcome_email"`
}

type subscribeResponse struct {
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (s *HTTPSyncer) Subscribe(ctx context.Context, email string) (string, error) {
	body, err := json.Marshal(subscribeRequest{Email: email, ReactivateExisting: true})
	if err != nil {
		return "", fmt.Errorf("newsletter: marshal request: %w", err)
	}

	var parsed subscribeResponse
	if err := s.do(ctx, http.MethodPost, s.subscriptionsURL(""), body, &parsed); err != nil {
		return "", err
	}
	if parsed.Data.ID == "" {
		return "", errors.New("newsletter: response missing subscriber id")
	}
	return parsed.Data.ID, nil
}

func (s *HTTPSyncer) Unsubscribe(ctx context.Context, subscriberID string) error {
	if subscriberID == "" {
		return nil
	}
	return s.do(ctx, http.MethodDelete, s.subscriptionsURL(subscriberID), nil, nil)
}

func (s *HTTPSyncer) subscriptionsURL(id string) string {
	u := fmt.Sprintf("%s/publications/%s/subscriptions", s.baseURL, s.publicationID)
	if id != "" {
		u += "/" + id
	}
	return u
}

func (s *HTTPSyncer) do(ctx context.Context, method, url string, body []byte, out any) error {
	if s.apiKey == "" {
		return ErrNotConfigured
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("newsletter: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("newsletter: http request: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("newsletter: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("newsletter: unexpected status %d: %.200s", resp.StatusCode, string(respBytes))
	}
	if out != nil && len(respBytes) > 0 {
		if err := json.Unmarshal(respBytes, out); err != nil {
			return fmt.Errorf("newsletter: unmarshal response: %w", err)
		}
	}
	return nil
}
