// Package leftoperand resolves named dynamic facts consulted during
// policy evaluation, such as remaining usage counts or paid amounts.
package leftoperand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
)

// NotificationMessage is exempt from resolution: the policy engine always
// receives it back untouched.
const NotificationMessage = "notificationMessage"

var ErrUnknownOperand = errors.New("unknown left operand")

// Endpoint describes how one fact is sourced. RemoteValue, when set, is a
// dot-separated path walked through the JSON response body.
type Endpoint struct {
	URL         string `json:"url"`
	Method      string `json:"method,omitempty"`
	RemoteValue string `json:"remoteValue,omitempty"`
}

// Config maps operand names to their source endpoints.
type Config map[string]Endpoint

type resolveFunc func(ctx context.Context, params map[string]string) (any, error)

type entry struct {
	endpoint Endpoint
	resolve  resolveFunc
}

// Resolver is an explicit dispatch table from operand name to resolver
// function, built once from static configuration.
type Resolver struct {
	table      map[string]entry
	client     *http.Client
	retries    int
	retryDelay time.Duration
}

func New(cfg Config, client *http.Client, retries int, retryDelay time.Duration) *Resolver {
	table := make(map[string]entry, len(cfg))
	for name, ep := range cfg {
		table[name] = entry{endpoint: ep, resolve: newResolveFunc(ep, client, retries, retryDelay)}
	}
	return &Resolver{table: table, client: client, retries: retries, retryDelay: retryDelay}
}

// Resolve fetches the current value of one named fact. The params bag
// fills @{param} placeholders in the configured URL.
func (r *Resolver) Resolve(ctx context.Context, name string, params map[string]string) (any, error) {
	if name == NotificationMessage {
		return nil, nil
	}
	e, ok := r.table[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperand, name)
	}
	return e.resolve(ctx, params)
}

func (r *Resolver) Known(name string) bool {
	if name == NotificationMessage {
		return true
	}
	_, ok := r.table[name]
	return ok
}

// Increment bumps a counter-style operand at its source, used after a
// successful provider export. The increment is a POST against the same
// endpoint the fact is read from.
func (r *Resolver) Increment(ctx context.Context, name string, params map[string]string) error {
	if name == NotificationMessage {
		return nil
	}
	e, ok := r.table[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOperand, name)
	}
	url := SubstituteParams(e.endpoint.URL, params)
	status, _, err := httpx.RequestJSON(ctx, r.client, http.MethodPost, url, nil, nil, r.retries, r.retryDelay)
	if err != nil {
		return fmt.Errorf("left operand increment %s: %w", url, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("left operand increment %s returned %d", url, status)
	}
	return nil
}

func newResolveFunc(ep Endpoint, client *http.Client, retries int, retryDelay time.Duration) resolveFunc {
	method := strings.ToUpper(strings.TrimSpace(ep.Method))
	if method == "" {
		method = http.MethodGet
	}
	return func(ctx context.Context, params map[string]string) (any, error) {
		url := SubstituteParams(ep.URL, params)
		status, body, err := httpx.RequestJSON(ctx, client, method, url, nil, nil, retries, retryDelay)
		if err != nil {
			return nil, fmt.Errorf("left operand fetch %s: %w", url, err)
		}
		if status < 200 || status >= 300 {
			return nil, fmt.Errorf("left operand fetch %s returned %d", url, status)
		}
		var value any
		if len(body) > 0 {
			if err := json.Unmarshal(body, &value); err != nil {
				return nil, fmt.Errorf("left operand decode %s: %w", url, err)
			}
		}
		if ep.RemoteValue == "" {
			return value, nil
		}
		return WalkPath(value, ep.RemoteValue)
	}
}

// SubstituteParams replaces @{param} placeholders from the bag. Unknown
// placeholders stay verbatim so the failure surfaces at the remote end.
func SubstituteParams(url string, params map[string]string) string {
	for key, val := range params {
		url = strings.ReplaceAll(url, "@{"+key+"}", val)
	}
	return url
}

// WalkPath drills into a decoded JSON value along a dot-separated path,
// failing on the first missing segment.
func WalkPath(value any, path string) (any, error) {
	current := value
	for _, segment := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q: segment %q is not an object", path, segment)
		}
		next, ok := obj[segment]
		if !ok {
			return nil, fmt.Errorf("path %q: segment %q missing", path, segment)
		}
		current = next
	}
	return current, nil
}
