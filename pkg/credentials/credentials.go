// Package credentials resolves opaque credential ids into the auth
// strategy applied to a representation fetch.
package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

// Source is anything that can look up a credential by id.
type Source interface {
	Get(ctx context.Context, id string) (models.Credential, error)
}

// Resolved is the merged auth strategy of one or more credentials.
// S3 is mutually exclusive with header-based auth: when any credential in
// the list is of type s3, the S3 transport wins and header injection is
// skipped entirely.
type Resolved struct {
	Headers  map[string]string
	BodyAuth map[string]string
	S3       *models.S3Credential
	ProxyURL string
}

// Resolve looks up a comma-separated credential id list and merges the
// resulting strategies. An empty list resolves to no auth at all.
func Resolve(ctx context.Context, src Source, ids string) (Resolved, error) {
	out := Resolved{}
	for _, raw := range strings.Split(ids, ",") {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		cred, err := src.Get(ctx, id)
		if err != nil {
			return Resolved{}, fmt.Errorf("credential %s: %w", id, err)
		}
		switch cred.Type {
		case models.CredentialNone, "":
		case models.CredentialAPIKey:
			if out.Headers == nil {
				out.Headers = map[string]string{}
			}
			out.Headers[cred.Key] = cred.Value
		case models.CredentialBasic:
			// Embedded into the payload body, not HTTP basic auth.
			if out.BodyAuth == nil {
				out.BodyAuth = map[string]string{}
			}
			out.BodyAuth[cred.Key] = cred.Value
		case models.CredentialS3:
			if cred.S3 == nil {
				return Resolved{}, fmt.Errorf("credential %s: s3 credential without s3 content", id)
			}
			out.S3 = cred.S3
		case models.CredentialProxy:
			out.ProxyURL = cred.ProxyURL
		default:
			return Resolved{}, fmt.Errorf("credential %s: unsupported type %q", id, cred.Type)
		}
	}
	if out.S3 != nil {
		out.Headers = nil
	}
	return out, nil
}
