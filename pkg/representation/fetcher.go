// Package representation performs the cross-participant transfer of a
// resource's bytes, applying the credential strategy, query-parameter
// mapping and exchange context headers declared for the representation.
package representation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/credentials"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/metrics"
)

const (
	HeaderExchangeID    = "x-ptx-dataExchangeId"
	HeaderContractID    = "x-ptx-contractId"
	HeaderContractURL   = "x-ptx-contractURL"
	HeaderTargetID      = "x-ptx-target-id"
	HeaderChainID       = "x-ptx-service-chain-id"
	HeaderChainNext     = "x-ptx-service-chain-next-target"
	HeaderChainPrevious = "x-ptx-service-chain-previous-target"
	HeaderChainNextNode = "x-ptx-service-chain-next-node"
	placeholderUserID   = "{userId}"
	placeholderURL      = "{url}"
	defaultContentType  = "application/json"
)

// UserDirectory resolves a user id to that user's registered URL, used by
// the {url} placeholder.
type UserDirectory interface {
	RegisteredURL(ctx context.Context, userID string) (string, error)
}

// ExchangeContext is the coordination metadata carried as request headers
// on every cross-connector fetch or push.
type ExchangeContext struct {
	ExchangeID     string
	ContractID     string
	ContractURL    string
	TargetID       string
	ChainID        string
	NextTarget     string
	PreviousTarget string
	NextNode       string
	Mimetype       string
}

type Request struct {
	Method          string
	Endpoint        string
	CredentialIDs   string
	QueryParamNames []string
	ParamSource     map[string]string
	Body            []byte
	UserID          string
	Exchange        *ExchangeContext
}

// Response is the normalized result of a fetch, shaped the same for REST
// and S3 transports so callers never branch on transport.
type Response struct {
	Status      int
	Headers     http.Header
	Body        []byte
	ContentType string
	ETag        string
	ResolvedURL string
}

// OK reports whether the transfer yielded a usable representation.
func (r Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

type Fetcher struct {
	Client      *http.Client
	Credentials credentials.Source
	Users       UserDirectory
	Metrics     *metrics.Registry
	Retries     int
	RetryDelay  time.Duration
}

// Fetch performs one transfer. Transport failures are logged with their
// URL/method context and returned as errors; HTTP error statuses come
// back as a non-OK Response for the caller to classify.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (Response, error) {
	resolved := credentials.Resolved{}
	if strings.TrimSpace(req.CredentialIDs) != "" {
		var err error
		resolved, err = credentials.Resolve(ctx, f.Credentials, req.CredentialIDs)
		if err != nil {
			return Response{}, err
		}
	}

	endpoint, method, err := f.resolveTarget(ctx, req)
	if err != nil {
		return Response{}, err
	}
	endpoint = AppendQueryParams(endpoint, req.QueryParamNames, req.ParamSource)
	if f.Metrics != nil {
		f.Metrics.IncFetch(fetchScheme(resolved))
	}

	if resolved.S3 != nil {
		contentType := ""
		if req.Exchange != nil {
			contentType = req.Exchange.Mimetype
		}
		resp, err := f.fetchS3(ctx, method, endpoint, resolved.S3, req.Body, contentType)
		if err != nil {
			log.Printf("representation: s3 %s %s failed: %v", method, endpoint, err)
		}
		return resp, err
	}

	headers := map[string]string{}
	for k, v := range resolved.Headers {
		headers[k] = v
	}
	applyExchangeHeaders(headers, req.Exchange)

	body := req.Body
	if len(resolved.BodyAuth) > 0 {
		body, err = embedBodyAuth(body, resolved.BodyAuth)
		if err != nil {
			return Response{}, err
		}
	}

	client := f.Client
	if resolved.ProxyURL != "" {
		proxyURL, err := url.Parse(resolved.ProxyURL)
		if err != nil {
			return Response{}, fmt.Errorf("proxy url %q: %w", resolved.ProxyURL, err)
		}
		client = proxiedClient(f.Client, proxyURL)
	}

	status, respHeaders, respBody, err := httpx.Request(ctx, client, method, endpoint, body, headers, f.Retries, f.RetryDelay)
	if err != nil {
		log.Printf("representation: %s %s failed: %v", method, endpoint, err)
		return Response{}, fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	resp := Response{
		Status:      status,
		Headers:     respHeaders,
		Body:        respBody,
		ContentType: respHeaders.Get("Content-Type"),
		ETag:        respHeaders.Get("Etag"),
		ResolvedURL: endpoint,
	}
	if !resp.OK() {
		log.Printf("representation: %s %s returned %d", method, endpoint, status)
	}
	return resp, nil
}

// fetchScheme classifies the resolved auth strategy for the per-scheme
// fetch counter.
func fetchScheme(res credentials.Resolved) string {
	switch {
	case res.S3 != nil:
		return "s3"
	case res.ProxyURL != "":
		return "proxy"
	case len(res.BodyAuth) > 0:
		return "basic"
	case len(res.Headers) > 0:
		return "apiKey"
	default:
		return "none"
	}
}

// resolveTarget substitutes URL placeholders and settles the HTTP verb.
// {userId} forces PUT; {url} forces POST; otherwise the caller's declared
// verb applies, defaulting to POST.
func (f *Fetcher) resolveTarget(ctx context.Context, req Request) (string, string, error) {
	endpoint := req.Endpoint
	method := strings.ToUpper(strings.TrimSpace(req.Method))
	switch method {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		method = http.MethodPost
	}
	if strings.Contains(endpoint, placeholderUserID) {
		endpoint = strings.ReplaceAll(endpoint, placeholderUserID, url.PathEscape(req.UserID))
		method = http.MethodPut
	}
	if strings.Contains(endpoint, placeholderURL) {
		if f.Users == nil {
			return "", "", fmt.Errorf("endpoint %q uses {url} but no user directory is configured", req.Endpoint)
		}
		registered, err := f.Users.RegisteredURL(ctx, req.UserID)
		if err != nil {
			return "", "", fmt.Errorf("resolve registered url for user %q: %w", req.UserID, err)
		}
		endpoint = strings.ReplaceAll(endpoint, placeholderURL, registered)
		method = http.MethodPost
	}
	return endpoint, method, nil
}

// AppendQueryParams appends only the explicitly declared parameter names
// found in the source, in declaration order, preserving any query already
// on the URL. Declared names absent from the source are silently skipped.
func AppendQueryParams(endpoint string, names []string, source map[string]string) string {
	if len(names) == 0 || len(source) == 0 {
		return endpoint
	}
	var parts []string
	for _, name := range names {
		val, ok := source[name]
		if !ok {
			continue
		}
		parts = append(parts, url.QueryEscape(name)+"="+url.QueryEscape(val))
	}
	if len(parts) == 0 {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + strings.Join(parts, "&")
}

func applyExchangeHeaders(headers map[string]string, xc *ExchangeContext) {
	if xc == nil {
		headers["Content-Type"] = defaultContentType
		return
	}
	set := func(key, val string) {
		if val != "" {
			headers[key] = val
		}
	}
	set(HeaderExchangeID, xc.ExchangeID)
	set(HeaderContractID, xc.ContractID)
	set(HeaderContractURL, xc.ContractURL)
	set(HeaderTargetID, xc.TargetID)
	set(HeaderChainID, xc.ChainID)
	set(HeaderChainNext, xc.NextTarget)
	set(HeaderChainPrevious, xc.PreviousTarget)
	set(HeaderChainNextNode, xc.NextNode)
	contentType := xc.Mimetype
	if contentType == "" {
		contentType = defaultContentType
	}
	headers["Content-Type"] = contentType
}

// embedBodyAuth merges basic-credential key/value pairs into a JSON body.
func embedBodyAuth(body []byte, auth map[string]string) ([]byte, error) {
	merged := map[string]any{}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &merged); err != nil {
			return nil, fmt.Errorf("basic credential requires a JSON object body: %w", err)
		}
	}
	for k, v := range auth {
		merged[k] = v
	}
	return json.Marshal(merged)
}

func proxiedClient(base *http.Client, proxyURL *url.URL) *http.Client {
	clone := &http.Client{}
	if base != nil {
		*clone = *base
	}
	transport, ok := clone.Transport.(*http.Transport)
	if ok {
		transport = transport.Clone()
	} else {
		transport = http.DefaultTransport.(*http.Transport).Clone()
	}
	transport.Proxy = http.ProxyURL(proxyURL)
	clone.Transport = transport
	return clone
}
