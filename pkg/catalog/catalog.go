// Package catalog resolves service offerings, resources and participant
// self-descriptions against the dataspace catalog. Resources and
// offerings are addressed by URL; the catalog answers with the
// representation needed to move the actual bytes.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

var (
	ErrNoRepresentation = errors.New("resource has no representation")
	ErrNoEndpoint       = errors.New("participant self-description has no connector endpoint")
)

type Client struct {
	HTTP       *http.Client
	Retries    int
	RetryDelay time.Duration
}

// Resource is a catalog data or software resource. APIResponse, when
// present, describes where a service resource's synchronous answer is
// relayed back to.
type Resource struct {
	ID             string                 `json:"@id,omitempty"`
	Representation *models.Representation `json:"representation,omitempty"`
	APIResponse    *models.Representation `json:"apiResponseRepresentation,omitempty"`
	IsAPI          bool                   `json:"isAPI,omitempty"`
}

// Offering is the catalog's service offering document, the unit the
// policy gateway checks targets against.
type Offering struct {
	ID                string   `json:"@id,omitempty"`
	DataResources     []string `json:"dataResources,omitempty"`
	SoftwareResources []string `json:"softwareResources,omitempty"`
}

func (c *Client) get(ctx context.Context, url string, out any) error {
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, url, nil, nil, c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("catalog fetch %s: %w", url, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("catalog fetch %s returned %d", url, status)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("catalog decode %s: %w", url, err)
	}
	return nil
}

// Resource fetches one resource document and requires a usable
// representation on it.
func (c *Client) Resource(ctx context.Context, url string) (Resource, error) {
	var res Resource
	if err := c.get(ctx, url, &res); err != nil {
		return Resource{}, err
	}
	if res.Representation == nil || strings.TrimSpace(res.Representation.URL) == "" {
		return res, fmt.Errorf("%w: %s", ErrNoRepresentation, url)
	}
	return res, nil
}

// Offering fetches one service offering document.
func (c *Client) Offering(ctx context.Context, url string) (Offering, error) {
	var off Offering
	if err := c.get(ctx, url, &off); err != nil {
		return Offering{}, err
	}
	return off, nil
}

// ConnectorEndpoint resolves a participant's live connector endpoint
// from its self-description URL. Resolved at call time on purpose:
// endpoints move, so they are never cached.
func (c *Client) ConnectorEndpoint(ctx context.Context, selfDescriptionURL string) (string, error) {
	var desc struct {
		DataspaceEndpoint string `json:"dataspaceEndpoint,omitempty"`
		Endpoint          string `json:"endpoint,omitempty"`
	}
	if err := c.get(ctx, selfDescriptionURL, &desc); err != nil {
		return "", err
	}
	endpoint := strings.TrimSpace(desc.DataspaceEndpoint)
	if endpoint == "" {
		endpoint = strings.TrimSpace(desc.Endpoint)
	}
	if endpoint == "" {
		return "", fmt.Errorf("%w: %s", ErrNoEndpoint, selfDescriptionURL)
	}
	return strings.TrimRight(endpoint, "/"), nil
}
