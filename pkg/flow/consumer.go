package flow

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
)

// ConsumerImport runs the consumer leg: resolve the local record by the
// provider-side id the payload references, validate integrity, push the
// payload into the software resource's inbound representation and settle
// the record status.
func (f *Flow) ConsumerImport(ctx context.Context, providerExchangeID string, payload []byte, contentType string) (models.ExchangeRecord, error) {
	rec, err := f.Exchanges.GetByProviderExchangeID(ctx, providerExchangeID)
	if err != nil {
		return rec, err
	}
	if err := f.Contracts.VerifyConsent(ctx, rec.Contract, rec.PurposeID); err != nil {
		return f.fail(ctx, rec.ID, exchange.ConsentImportError, exchange.OriginConsumer, err), nil
	}

	// Integrity metadata recorded at export time gates acceptance of
	// non-JSON payloads before anything is pushed onward.
	if rec.ProviderData != nil && !representation.IsJSON(rec.ProviderData.Mimetype) {
		if err := representation.CheckContentType(contentType, rec.ProviderData.Mimetype); err != nil {
			return f.fail(ctx, rec.ID, exchange.ConsumerImportError, exchange.OriginConsumer, err), nil
		}
		if err := representation.Validate(payload, *rec.ProviderData); err != nil {
			return f.fail(ctx, rec.ID, exchange.ConsumerImportError, exchange.OriginConsumer, err), nil
		}
	}

	for _, res := range rec.Resources {
		params := mergeParams(rec.ConsumerParams, res.Params)
		catRes, err := f.Catalog.Resource(ctx, res.Resource)
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ConsumerImportError, exchange.OriginConsumer, err), nil
		}
		rep := catRes.Representation

		start := time.Now()
		resp, err := f.Fetcher.Fetch(ctx, representation.Request{
			Method:          methodOr(rep.Method, http.MethodPost),
			Endpoint:        rep.URL,
			CredentialIDs:   rep.Credential,
			QueryParamNames: rep.QueryParams,
			ParamSource:     params,
			Body:            payload,
			UserID:          params["userId"],
			Exchange:        f.exchangeContext(rec, res.Resource),
		})
		if f.Metrics != nil {
			f.Metrics.ObserveFetchLatency(time.Since(start))
		}
		if err != nil {
			return f.fail(ctx, rec.ID, exchange.ConsumerImportError, exchange.OriginConsumer, err), nil
		}
		if !resp.OK() {
			return f.fail(ctx, rec.ID, exchange.ConsumerImportError, exchange.OriginConsumer,
				fmt.Errorf("push %s returned %d", resp.ResolvedURL, resp.Status)), nil
		}

		// API-style resources answer synchronously; the answer is relayed
		// back to the provider best-effort. The import already landed, so
		// a lost relay never fails this leg.
		if catRes.IsAPI && len(resp.Body) > 0 {
			if err := f.relayToProvider(ctx, rec, resp.Body); err != nil {
				log.Printf("flow: exchange %s: api response relay: %v", rec.ID, err)
			}
		}
	}

	return f.succeed(ctx, rec.ID, exchange.ImportSuccess, exchange.OriginConsumer)
}

func (f *Flow) relayToProvider(ctx context.Context, rec models.ExchangeRecord, body []byte) error {
	endpoint := trimEndpoint(rec.ProviderEndpoint)
	if endpoint == "" || rec.ProviderExchangeID == "" {
		return fmt.Errorf("exchange %s has no provider copy to relay to", rec.ID)
	}
	url := endpoint + "/provider/import"
	headers := map[string]string{
		representation.HeaderExchangeID:  rec.ProviderExchangeID,
		representation.HeaderContractURL: rec.Contract,
	}
	status, _, err := httpx.RequestJSON(ctx, f.httpClient(), http.MethodPost, url, body, headers, f.Retries, f.RetryDelay)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", url, err)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("relay to %s returned %d", url, status)
	}
	return nil
}
