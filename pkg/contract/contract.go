// Package contract talks to the external contract and consent services.
// The connector never interprets contracts beyond what the policy
// gateway needs; this package only answers "is this exchange still
// covered" questions before data moves.
package contract

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

var (
	ErrContractNotSigned = errors.New("contract is not signed")
	ErrNotMember         = errors.New("participant is not a contract member")
	ErrConsentRefused    = errors.New("consent verification refused")
)

type Client struct {
	HTTP       *http.Client
	ConsentURL string
	Retries    int
	RetryDelay time.Duration
}

type contractDoc struct {
	Status  string `json:"status"`
	Members []struct {
		Participant string `json:"participant"`
	} `json:"members,omitempty"`
}

// VerifyContract checks that the contract at the given URL is signed and,
// when a participant id is supplied and the document lists members, that
// the participant is among them.
func (c *Client) VerifyContract(ctx context.Context, contractURL, participant string) error {
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodGet, contractURL, nil, nil, c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("contract fetch %s: %w", contractURL, err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("contract fetch %s returned %d", contractURL, status)
	}
	var doc contractDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("contract decode %s: %w", contractURL, err)
	}
	switch strings.ToLower(strings.TrimSpace(doc.Status)) {
	case "", "signed", "active":
	default:
		return fmt.Errorf("%w: status %q", ErrContractNotSigned, doc.Status)
	}
	if participant == "" || len(doc.Members) == 0 {
		return nil
	}
	for _, m := range doc.Members {
		if m.Participant == participant {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrNotMember, participant)
}

// VerifyConsent asks the consent service to confirm the exchange is
// still consented to. A connector with no consent service configured
// skips the check.
func (c *Client) VerifyConsent(ctx context.Context, contractURL, purposeID string) error {
	if strings.TrimSpace(c.ConsentURL) == "" || strings.TrimSpace(purposeID) == "" {
		return nil
	}
	payload, err := json.Marshal(map[string]string{
		"contract": contractURL,
		"purpose":  purposeID,
	})
	if err != nil {
		return err
	}
	url := strings.TrimRight(c.ConsentURL, "/") + "/consents/verify"
	status, body, err := httpx.RequestJSON(ctx, c.HTTP, http.MethodPost, url, payload, nil, c.Retries, c.RetryDelay)
	if err != nil {
		return fmt.Errorf("consent verify %s: %w", url, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("%w: %s returned %d", ErrConsentRefused, url, status)
	}
	var verdict struct {
		Verified bool `json:"verified"`
	}
	if err := json.Unmarshal(body, &verdict); err != nil {
		return fmt.Errorf("consent decode %s: %w", url, err)
	}
	if !verdict.Verified {
		return ErrConsentRefused
	}
	return nil
}
