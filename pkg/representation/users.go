package representation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
)

// HTTPUserDirectory resolves registered user URLs from a remote user
// registry endpoint.
type HTTPUserDirectory struct {
	Client     *http.Client
	BaseURL    string
	Retries    int
	RetryDelay time.Duration
}

func (d *HTTPUserDirectory) RegisteredURL(ctx context.Context, userID string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", fmt.Errorf("user id required")
	}
	url := strings.TrimRight(d.BaseURL, "/") + "/users/" + userID
	status, body, err := httpx.RequestJSON(ctx, d.Client, http.MethodGet, url, nil, nil, d.Retries, d.RetryDelay)
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("user registry returned %d for %s", status, userID)
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decode user registry response: %w", err)
	}
	if payload.URL == "" {
		return "", fmt.Errorf("user %s has no registered url", userID)
	}
	return payload.URL, nil
}
