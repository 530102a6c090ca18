// Package flow sequences policy checks, catalog lookups, representation
// transfers and exchange record transitions into the provider-export,
// consumer-import and infrastructure-chain orchestrations.
package flow

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/catalog"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/contract"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/leftoperand"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/metrics"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/pep"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
)

// PolicyAction is the ODRL action every exchange step is checked under.
const PolicyAction = "use"

// Runner executes a service chain hop by hop. The node engine behind it
// is an external collaborator; hops report back through HopCallback.
type Runner interface {
	Run(ctx context.Context, rec models.ExchangeRecord, data []byte) error
}

type Flow struct {
	Exchanges *exchange.Service
	Catalog   *catalog.Client
	Contracts *contract.Client
	PDP       *pep.PDP
	Fetcher   *representation.Fetcher
	Operands  *leftoperand.Resolver
	Metrics   *metrics.Registry
	Runner    Runner

	// SelfEndpoint is this connector's public base URL, handed to peers
	// in mirror projections.
	SelfEndpoint string
	Retries      int
	RetryDelay   time.Duration
}

func (f *Flow) httpClient() *http.Client {
	if f.Fetcher != nil && f.Fetcher.Client != nil {
		return f.Fetcher.Client
	}
	return http.DefaultClient
}

// fail converts an orchestration failure into a status transition. The
// record's payload carries the durable error trail; callers receive the
// updated record, never a panic.
func (f *Flow) fail(ctx context.Context, id, status string, origin exchange.Origin, cause error) models.ExchangeRecord {
	log.Printf("flow: exchange %s -> %s: %v", id, status, cause)
	rec, err := f.Exchanges.UpdateStatus(ctx, id, status, cause.Error(), origin)
	if err != nil {
		log.Printf("flow: exchange %s: failed to record %s: %v", id, status, err)
	}
	f.countStatus(status)
	return rec
}

func (f *Flow) succeed(ctx context.Context, id, status string, origin exchange.Origin) (models.ExchangeRecord, error) {
	rec, err := f.Exchanges.UpdateStatus(ctx, id, status, "", origin)
	if err != nil {
		return rec, err
	}
	// Count what the record actually settled as: a late EXPORT_SUCCESS
	// is absorbed when the consumer leg already finished.
	f.countStatus(rec.Status)
	return rec, nil
}

func (f *Flow) countStatus(status string) {
	if f.Metrics != nil {
		f.Metrics.IncExchangeStatus(status)
	}
}

func (f *Flow) countDecision(permitted bool, reason string) {
	if f.Metrics == nil {
		return
	}
	if permitted {
		f.Metrics.IncDecision("PERMIT", reason)
	} else {
		f.Metrics.IncDecision("DENY", reason)
	}
}

// checkPolicy runs the PEP sequence for one target. Policy failures and
// engine errors both read as not permitted.
func (f *Flow) checkPolicy(ctx context.Context, contractURL, target string, params map[string]string) bool {
	if f.PDP == nil {
		return false
	}
	permitted, err := f.PDP.CheckAllowed(ctx, contractURL, PolicyAction, target, params)
	if err != nil {
		log.Printf("flow: policy check %s on %s: %v", PolicyAction, target, err)
		f.countDecision(false, "ENGINE_ERROR")
		return false
	}
	if !permitted {
		f.countDecision(false, "NOT_PERMITTED")
		return false
	}
	f.countDecision(true, "OK")
	return true
}

// mergeParams overlays resource-level params on the record-level bag.
func mergeParams(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}

func trimEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
