// Package waitroom is the client side of the queue: a pre-queue countdown
// followed by a waiting room that reacts to pushed updates or polls.
package waitroom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ticket-queue/internal/services"
	"ticket-queue/models"
)

// APIError is a non-2xx answer from the queue API.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("queue api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Temporary reports whether retrying the same request may succeed.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusServiceUnavailable ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.Code == "sale_not_open"
}

// Client talks to the queue HTTP API on behalf of one user.
type Client struct {
	baseURL   string
	authToken string
	http      *http.Client
}

func NewClient(baseURL, authToken string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		authToken: authToken,
		http:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) PreQueue(ctx context.Context, eventID string) (*services.PreQueueInfo, error) {
	var info services.PreQueueInfo
	path := "/api/v1/events/" + url.PathEscape(eventID) + "/pre-queue"
	if err := c.do(ctx, http.MethodGet, path, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (c *Client) Enter(ctx context.Context, eventID string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/queue/enter", map[string]string{"eventId": eventID}, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

func (c *Client) Status(ctx context.Context, eventID, token string) (*models.StatusReport, error) {
	query := url.Values{"eventId": {eventID}, "token": {token}}
	var report models.StatusReport
	if err := c.do(ctx, http.MethodGet, "/api/v1/queue/status?"+query.Encode(), nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

func (c *Client) Complete(ctx context.Context, eventID, token string) error {
	body := map[string]string{"eventId": eventID, "token": token}
	return c.do(ctx, http.MethodPost, "/api/v1/queue/complete", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(apiErr); err != nil {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}
