package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/example/bulk-dispatch/internal/batch"
	"github.com/example/bulk-dispatch/internal/campaign"
)

// Client talks to the messaging provider over HTTP. Transport failures and
// 5xx responses are retried with exponential backoff; 4xx responses are
// permanent and fail the submission immediately.
type Client struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client

	// MaxElapsed bounds the total retry window per call. InitialInterval
	// is the first retry delay; zero means the backoff default.
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

var _ Gateway = (*Client)(nil)

func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		MaxElapsed: 15 * time.Second,
	}
}

type submitRequest struct {
	Channel    string   `json:"channel"`
	Text       string   `json:"text"`
	ImageRef   string   `json:"imageRef,omitempty"`
	ButtonText string   `json:"buttonText,omitempty"`
	ButtonLink string   `json:"buttonLink,omitempty"`
	Recipients []string `json:"recipients"`
}

type submitResponse struct {
	GroupID string `json:"groupId"`
}

func (c *Client) SubmitGroup(ctx context.Context, content batch.Content, recipients []string) (string, error) {
	body, err := json.Marshal(submitRequest{
		Channel:    string(content.Channel),
		Text:       content.BodyText,
		ImageRef:   content.ImageRef,
		ButtonText: content.ButtonText,
		ButtonLink: content.ButtonLink,
		Recipients: recipients,
	})
	if err != nil {
		return "", err
	}

	var groupID string
	err = c.retry(ctx, func() error {
		raw, err := c.post(ctx, "/v1/groups", body)
		if err != nil {
			return err
		}
		var sr submitResponse
		if err := json.Unmarshal(raw, &sr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode submit response: %w body=%q", err, raw))
		}
		if sr.GroupID == "" {
			return backoff.Permanent(fmt.Errorf("missing groupId in response body=%q", raw))
		}
		groupID = sr.GroupID
		return nil
	})
	if err != nil {
		return "", err
	}
	return groupID, nil
}

type statusRequest struct {
	GroupIDs []string `json:"groupIds"`
}

type statusResponse struct {
	Groups []campaign.GroupStatus `json:"groups"`
}

func (c *Client) FetchGroupStatus(ctx context.Context, groupIDs []string) ([]campaign.GroupStatus, error) {
	body, err := json.Marshal(statusRequest{GroupIDs: groupIDs})
	if err != nil {
		return nil, err
	}

	var groups []campaign.GroupStatus
	err = c.retry(ctx, func() error {
		raw, err := c.post(ctx, "/v1/groups/status", body)
		if err != nil {
			return err
		}
		// The status schema is fixed. Unknown fields mean the provider
		// changed its contract, which must surface instead of passing
		// through silently.
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var sr statusResponse
		if err := dec.Decode(&sr); err != nil {
			return backoff.Permanent(fmt.Errorf("decode status response: %w body=%q", err, raw))
		}
		groups = sr.Groups
		return nil
	})
	if err != nil {
		return nil, err
	}
	return groups, nil
}

// post performs one attempt and classifies the response for the retry loop.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		// Body cut short mid-transfer is a transport failure, retryable
		// like any other.
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("gateway temporary error: %s", resp.Status)
	}
	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("gateway permanent error: %s body=%q", resp.Status, raw))
	}
	return raw, nil
}

func (c *Client) retry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed
	if c.InitialInterval > 0 {
		bo.InitialInterval = c.InitialInterval
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}
