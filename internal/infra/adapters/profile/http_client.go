// Package profile adapts the external persona/knowledge store to the
// ProfileProvider port.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"character-relay/internal/domain"
	"character-relay/internal/domain/model"
	"character-relay/internal/domain/ports/adapter"
)

// Compile-time assurance this adapter satisfies the port
var _ adapter.ProfileProvider = (*HTTPClient)(nil)

type HTTPClient struct {
	base   string
	client *http.Client
}

func NewHTTPClient(baseURL string, timeout time.Duration) (*HTTPClient, error) {
	if baseURL == "" {
		return nil, errors.New("profile base url empty")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		client: &http.Client{Timeout: timeout},
	}, nil
}

func (c *HTTPClient) Fetch(ctx context.Context, subjectID string) (*model.CharacterProfile, error) {
	endpoint := c.base + "/profiles/" + url.PathEscape(subjectID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("profile lookup: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrSubjectNotFound
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("profile lookup: http %d", resp.StatusCode)
	}

	var p model.CharacterProfile
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("profile lookup: decode: %w", err)
	}
	if p.ID == "" {
		p.ID = subjectID
	}
	return &p, nil
}
