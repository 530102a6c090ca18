// Package pep is the policy enforcement gateway: it loads a reference
// policy from a contract or bilateral agreement document and decides
// whether an action on a target resource is currently permitted,
// consulting live left-operand facts through the policy engine.
package pep

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
)

// Document is the externally-hosted JSON-LD contract or bilateral
// agreement. It is fetched fresh on every check: facts such as remaining
// quota must be current, so reference policies are never cached.
type Document struct {
	Type     string       `json:"@type,omitempty"`
	Policies []PolicySet  `json:"policy"`
	Roles    []RolePolicy `json:"rolesAndObligations,omitempty"`
	Status   string       `json:"status,omitempty"`
}

// RolePolicy carries the per-role policies of a multi-party contract.
type RolePolicy struct {
	Role     string    `json:"role"`
	Policies PolicySet `json:"policy"`
}

type PolicySet struct {
	Permissions  []Rule `json:"permission,omitempty"`
	Prohibitions []Rule `json:"prohibition,omitempty"`
}

type Rule struct {
	Action      string       `json:"action"`
	Target      string       `json:"target"`
	Constraints []Constraint `json:"constraint,omitempty"`
	Duties      []Duty       `json:"duty,omitempty"`
}

type Duty struct {
	Action      string       `json:"action"`
	Constraints []Constraint `json:"constraint,omitempty"`
}

type Constraint struct {
	LeftOperand  string          `json:"leftOperand"`
	Operator     string          `json:"operator"`
	RightOperand json.RawMessage `json:"rightOperand"`
}

// RightValue decodes the right operand, unwrapping the JSON-LD
// {"@value": ...} form when present.
func (c Constraint) RightValue() (any, error) {
	var raw any
	if err := json.Unmarshal(c.RightOperand, &raw); err != nil {
		return nil, fmt.Errorf("right operand of %s: %w", c.LeftOperand, err)
	}
	if obj, ok := raw.(map[string]any); ok {
		if v, ok := obj["@value"]; ok {
			return v, nil
		}
	}
	return raw, nil
}

// ParseDocument decodes a reference policy document and flattens role
// policies into the top-level policy list.
func ParseDocument(doc []byte) (*Document, error) {
	var parsed Document
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("parse policy document: %w", err)
	}
	for _, role := range parsed.Roles {
		parsed.Policies = append(parsed.Policies, role.Policies)
	}
	if len(parsed.Policies) == 0 {
		return nil, fmt.Errorf("policy document carries no policies")
	}
	return &parsed, nil
}

// FetchDocument retrieves a reference policy by URL. No caching, by
// contract with the quota-style left operands.
func FetchDocument(ctx context.Context, client *http.Client, url string, retries int, retryDelay time.Duration) ([]byte, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("contract url required")
	}
	status, body, err := httpx.RequestJSON(ctx, client, http.MethodGet, url, nil, nil, retries, retryDelay)
	if err != nil {
		return nil, fmt.Errorf("fetch policy %s: %w", url, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("fetch policy %s returned %d", url, status)
	}
	return body, nil
}

// Targets lists every permission target in the document, used by target
// reconciliation.
func (d *Document) Targets() []string {
	var out []string
	for _, set := range d.Policies {
		for _, perm := range set.Permissions {
			if perm.Target != "" {
				out = append(out, perm.Target)
			}
		}
	}
	return out
}
