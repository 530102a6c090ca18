package flow

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
)

// InfrastructureFlow prepares a chained exchange: every participant's
// connector endpoint is resolved from its self-description URL at call
// time (endpoints move, so never cached), the record is synced to each
// participant, then the chain and payload are handed to the runner.
func (f *Flow) InfrastructureFlow(ctx context.Context, rec models.ExchangeRecord, data []byte) (models.ExchangeRecord, error) {
	if rec.ServiceChain == nil || len(rec.ServiceChain.Services) == 0 {
		return rec, fmt.Errorf("exchange %s has no service chain", rec.ID)
	}
	if f.Runner == nil {
		return rec, fmt.Errorf("exchange %s: no chain runner configured", rec.ID)
	}

	proj := exchange.Projection(&rec)
	if proj.ProviderExchangeID == "" {
		proj.ProviderExchangeID = rec.ID
	}
	seen := map[string]bool{}
	for _, svc := range rec.ServiceChain.Services {
		endpoint, err := f.Catalog.ConnectorEndpoint(ctx, svc.Participant)
		if err != nil {
			return rec, fmt.Errorf("resolve participant %s: %w", svc.Participant, err)
		}
		if seen[endpoint] {
			continue
		}
		seen[endpoint] = true
		if _, err := f.Exchanges.Mirror(ctx, endpoint, proj); err != nil {
			return rec, fmt.Errorf("sync record to %s: %w", endpoint, err)
		}
	}

	if err := f.Runner.Run(ctx, rec, data); err != nil {
		return rec, fmt.Errorf("chain runner: %w", err)
	}
	return rec, nil
}

// HopCallback is invoked by the chain runner when one hop's service has
// processed the payload: re-run the policy gate for the hop, push the hop
// output to the hop's service representation, then complete the chain
// entry. Completing the terminal entry settles the exchange.
func (f *Flow) HopCallback(ctx context.Context, id, serviceID string, data []byte) (models.ExchangeRecord, error) {
	rec, err := f.Exchanges.Get(ctx, id)
	if err != nil {
		return rec, err
	}
	var hop *models.ChainService
	if rec.ServiceChain != nil {
		for i := range rec.ServiceChain.Services {
			if rec.ServiceChain.Services[i].Service == serviceID {
				hop = &rec.ServiceChain.Services[i]
				break
			}
		}
	}
	if hop == nil {
		return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginConsumer,
			fmt.Errorf("service %q not in chain of exchange %s", serviceID, rec.ID)), nil
	}

	params := mergeParams(rec.ProviderParams, hop.Params)
	if !f.checkPolicy(ctx, rec.Contract, hop.Service, params) {
		return f.fail(ctx, rec.ID, exchange.PEPError, exchange.OriginConsumer,
			fmt.Errorf("chain service %s not permitted", hop.Service)), nil
	}

	catRes, err := f.Catalog.Resource(ctx, hop.Service)
	if err != nil {
		return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginConsumer, err), nil
	}
	rep := catRes.Representation
	xc := f.exchangeContext(rec, hop.Service)
	resp, err := f.Fetcher.Fetch(ctx, representation.Request{
		Method:          methodOr(rep.Method, http.MethodPost),
		Endpoint:        rep.URL,
		CredentialIDs:   rep.Credential,
		QueryParamNames: rep.QueryParams,
		ParamSource:     params,
		Body:            data,
		UserID:          params["userId"],
		Exchange:        xc,
	})
	if err != nil {
		return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginConsumer, err), nil
	}
	if !resp.OK() {
		return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginConsumer,
			fmt.Errorf("hop push %s returned %d", resp.ResolvedURL, resp.Status)), nil
	}

	rec, done, err := f.Exchanges.CompleteServiceChain(ctx, rec.ID, serviceID)
	if err != nil {
		return f.fail(ctx, rec.ID, exchange.NodeCallbackError, exchange.OriginConsumer, err), nil
	}
	if f.Metrics != nil {
		f.Metrics.IncChainHop()
	}
	if done {
		return f.succeed(ctx, rec.ID, exchange.ImportSuccess, exchange.OriginConsumer)
	}
	return rec, nil
}
