package flow

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/leftoperand"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
)

// ProviderExport runs the provider leg of an exchange: policy-gate the
// offering, fetch each declared resource, deliver it to the consumer or
// hand it to the infrastructure chain, then settle the record status.
// Every failure becomes a status transition on the returned record.
func (f *Flow) ProviderExport(ctx context.Context, id string) (models.ExchangeRecord, error) {
	rec, err := f.Exchanges.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	if err := f.Contracts.VerifyContract(ctx, rec.Contract, ""); err != nil {
		return f.fail(ctx, rec.ID, exchange.ConsentExportError, exchange.OriginProvider, err), nil
	}
	if err := f.Contracts.VerifyConsent(ctx, rec.Contract, rec.PurposeID); err != nil {
		return f.fail(ctx, rec.ID, exchange.ConsentExportError, exchange.OriginProvider, err), nil
	}

	for _, res := range rec.Resources {
		params := mergeParams(rec.ProviderParams, res.Params)
		if !f.checkPolicy(ctx, rec.Contract, res.ServiceOffering, params) {
			return f.fail(ctx, rec.ID, exchange.PEPError, exchange.OriginProvider,
				fmt.Errorf("offering %s not permitted", res.ServiceOffering)), nil
		}

		catRes, err := f.Catalog.Resource(ctx, res.Resource)
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
		}
		rep := catRes.Representation

		start := time.Now()
		resp, err := f.Fetcher.Fetch(ctx, representation.Request{
			Method:          methodOr(rep.Method, http.MethodGet),
			Endpoint:        rep.URL,
			CredentialIDs:   rep.Credential,
			QueryParamNames: rep.QueryParams,
			ParamSource:     params,
			UserID:          params["userId"],
			Exchange:        f.exchangeContext(rec, res.Resource),
		})
		if f.Metrics != nil {
			f.Metrics.ObserveFetchLatency(time.Since(start))
		}
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
		}
		if !resp.OK() {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider,
				fmt.Errorf("fetch %s returned %d", resp.ResolvedURL, resp.Status)), nil
		}
		if err := representation.CheckContentType(resp.ContentType, rep.MediaType); err != nil {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
		}

		// Non-JSON payloads get a checksum side-channel on the record so
		// the consumer can validate what arrives.
		if !representation.IsJSON(resp.ContentType) {
			pd := representation.Describe(resp.Body, resp.ContentType)
			rec, err = f.Exchanges.RecordProviderData(ctx, rec.ID, &pd)
			if err != nil {
				return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
			}
		}

		if rec.ServiceChain != nil && len(rec.ServiceChain.Services) > 0 {
			if _, err := f.InfrastructureFlow(ctx, rec, resp.Body); err != nil {
				return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginProvider, err), nil
			}
		} else {
			if err := f.pushToConsumer(ctx, rec, resp.Body); err != nil {
				return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
			}
		}

		if rec, err = f.Exchanges.MarkResourceExported(ctx, rec.ID, res.Resource); err != nil {
			log.Printf("flow: exchange %s: mark resource %s: %v", rec.ID, res.Resource, err)
		}
	}

	f.incrementCounters(ctx, rec)
	return f.succeed(ctx, rec.ID, exchange.ExportSuccess, exchange.OriginProvider)
}

// ProviderImport receives the consumer's relayed API response and writes
// it back through each resource's api-response representation.
func (f *Flow) ProviderImport(ctx context.Context, id string, payload []byte) (models.ExchangeRecord, error) {
	rec, err := f.Exchanges.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	for _, res := range rec.Resources {
		catRes, err := f.Catalog.Resource(ctx, res.Resource)
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
		}
		if catRes.APIResponse == nil || strings.TrimSpace(catRes.APIResponse.URL) == "" {
			continue
		}
		rep := catRes.APIResponse
		resp, err := f.Fetcher.Fetch(ctx, representation.Request{
			Method:          methodOr(rep.Method, http.MethodPost),
			Endpoint:        rep.URL,
			CredentialIDs:   rep.Credential,
			QueryParamNames: rep.QueryParams,
			ParamSource:     rec.ProviderParams,
			Body:            payload,
			UserID:          rec.ProviderParams["userId"],
			Exchange:        f.exchangeContext(rec, res.Resource),
		})
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider, err), nil
		}
		if !resp.OK() {
			return f.fail(ctx, rec.ID, exchange.ProviderExportError, exchange.OriginProvider,
				fmt.Errorf("api response write %s returned %d", resp.ResolvedURL, resp.Status)), nil
		}
	}
	return rec, nil
}

// pushToConsumer delivers the fetched payload to the consumer connector.
// The consumer resolves its record by the provider-side id carried in the
// exchange header, so raw non-JSON bodies need no envelope.
func (f *Flow) pushToConsumer(ctx context.Context, rec models.ExchangeRecord, payload []byte) error {
	endpoint := trimEndpoint(rec.ConsumerEndpoint)
	if endpoint == "" {
		return fmt.Errorf("exchange %s has no consumer endpoint", rec.ID)
	}
	url := endpoint + "/consumer/import"
	headers := map[string]string{
		representation.HeaderExchangeID:  rec.ID,
		representation.HeaderContractURL: rec.Contract,
		"Content-Type":                   recMimetype(rec),
	}
	status, _, err := httpx.RequestJSON(ctx, f.httpClient(), http.MethodPost, url, payload, headers, f.Retries, f.RetryDelay)
	if err != nil {
		return fmt.Errorf("push to %s: %w", url, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("push to %s returned %d", url, status)
	}
	return nil
}

// incrementCounters bumps counter-style left operands after a successful
// export. The export already succeeded; a failed bump is logged, not
// turned into an error status.
func (f *Flow) incrementCounters(ctx context.Context, rec models.ExchangeRecord) {
	if f.Operands == nil {
		return
	}
	for _, name := range []string{leftoperand.UsageCount} {
		if !f.Operands.Known(name) || name == leftoperand.NotificationMessage {
			continue
		}
		if err := f.Operands.Increment(ctx, name, rec.ProviderParams); err != nil {
			log.Printf("flow: exchange %s: increment %s: %v", rec.ID, name, err)
		}
	}
}

func (f *Flow) exchangeContext(rec models.ExchangeRecord, targetID string) *representation.ExchangeContext {
	xc := &representation.ExchangeContext{
		ExchangeID:  rec.ID,
		ContractID:  lastSegment(rec.Contract),
		ContractURL: rec.Contract,
		TargetID:    targetID,
		Mimetype:    recMimetype(rec),
	}
	if rec.ServiceChain != nil {
		xc.ChainID = rec.ServiceChain.ID
	}
	return xc
}

func recMimetype(rec models.ExchangeRecord) string {
	if rec.ProviderData != nil && rec.ProviderData.Mimetype != "" {
		return rec.ProviderData.Mimetype
	}
	return "application/json"
}

func methodOr(method, fallback string) string {
	if strings.TrimSpace(method) == "" {
		return fallback
	}
	return method
}

func lastSegment(raw string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(raw), "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		return trimmed[i+1:]
	}
	return trimmed
}
