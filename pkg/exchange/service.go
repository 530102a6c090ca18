package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/audit"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

var (
	ErrNotFound      = errors.New("exchange record not found")
	ErrChainSync     = errors.New("service chain sync failure")
	ErrMissingField  = errors.New("missing required exchange field")
	ErrMirrorRefused = errors.New("mirror creation refused by peer")
)

type Store interface {
	Get(ctx context.Context, id string) (models.ExchangeRecord, error)
	GetByProviderExchangeID(ctx context.Context, providerID string) (models.ExchangeRecord, error)
	GetByConsumerExchangeID(ctx context.Context, consumerID string) (models.ExchangeRecord, error)
	Create(ctx context.Context, rec *models.ExchangeRecord) error
	Update(ctx context.Context, rec *models.ExchangeRecord) error
}

type Auditor interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Notifier receives every local status transition (in-process subscribers).
type Notifier interface {
	NotifyStatus(evt models.StatusEvent)
}

// Publisher pushes status transitions to an external bus.
type Publisher interface {
	PublishStatus(ctx context.Context, evt models.StatusEvent) error
}

// Service owns all mutation of exchange records. Records are only ever
// changed through UpdateStatus / CompleteServiceChain / CreateMirror, and
// each of those is a single read-modify-write-persist step.
type Service struct {
	Store      Store
	Client     *http.Client
	Audit      Auditor
	Hub        Notifier
	Bus        Publisher
	Retries    int
	RetryDelay time.Duration
}

// Create persists a new record on request intake. Missing identifiers are
// the only errors surfaced before any network call is attempted.
func (s *Service) Create(ctx context.Context, rec *models.ExchangeRecord) error {
	if strings.TrimSpace(rec.Contract) == "" {
		return fmt.Errorf("%w: contract", ErrMissingField)
	}
	if len(rec.Resources) == 0 {
		return fmt.Errorf("%w: resources", ErrMissingField)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = Pending
	}
	now := time.Now().UTC()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	return s.Store.Create(ctx, rec)
}

func (s *Service) Get(ctx context.Context, id string) (models.ExchangeRecord, error) {
	return s.Store.Get(ctx, id)
}

func (s *Service) GetByProviderExchangeID(ctx context.Context, providerID string) (models.ExchangeRecord, error) {
	return s.Store.GetByProviderExchangeID(ctx, providerID)
}

func (s *Service) GetByConsumerExchangeID(ctx context.Context, consumerID string) (models.ExchangeRecord, error) {
	return s.Store.GetByConsumerExchangeID(ctx, consumerID)
}

// UpdateStatus applies a transition locally and best-effort PUTs the same
// transition to whichever remote copies exist. Remote sync failure is
// logged but never rolls back the local transition: local state is
// authoritative for this side.
func (s *Service) UpdateStatus(ctx context.Context, id, status, payload string, origin Origin) (models.ExchangeRecord, error) {
	rec, err := s.applyStatus(ctx, id, status, payload, origin)
	if err != nil {
		return rec, err
	}
	body, _ := json.Marshal(map[string]string{"status": status, "payload": payload})
	s.syncRemote(ctx, rec, body)
	return rec, nil
}

// UpdateStatusLocal applies a transition without propagating it. Used by
// the /dataexchanges PUT handler so that peer-initiated syncs do not echo
// back and forth between connectors.
func (s *Service) UpdateStatusLocal(ctx context.Context, id, status, payload string, origin Origin) (models.ExchangeRecord, error) {
	return s.applyStatus(ctx, id, status, payload, origin)
}

func (s *Service) applyStatus(ctx context.Context, id, status, payload string, origin Origin) (models.ExchangeRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.ExchangeRecord{}, err
	}
	next, err := Transition(rec.Status, status)
	if err != nil {
		return rec, fmt.Errorf("exchange %s: %s -> %s: %w", id, rec.Status, status, err)
	}
	from := rec.Status
	rec.Status = next
	if payload != "" {
		rec.Payload = payload
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, &rec); err != nil {
		return rec, err
	}
	if s.Audit != nil {
		if err := s.Audit.Append(ctx, audit.Entry{
			ExchangeID: rec.ID,
			FromStatus: from,
			ToStatus:   next,
			Origin:     string(origin),
			Payload:    payload,
		}); err != nil {
			log.Printf("exchange %s: audit append failed: %v", rec.ID, err)
		}
	}
	evt := models.StatusEvent{
		ExchangeID: rec.ID,
		Status:     next,
		Payload:    payload,
		Origin:     string(origin),
		At:         rec.UpdatedAt,
	}
	if s.Hub != nil {
		s.Hub.NotifyStatus(evt)
	}
	if s.Bus != nil {
		if err := s.Bus.PublishStatus(ctx, evt); err != nil {
			log.Printf("exchange %s: status bus publish failed: %v", rec.ID, err)
		}
	}
	return rec, nil
}

// RecordProviderData snapshots the integrity metadata captured at
// provider export so the consumer side can validate the payload later.
func (s *Service) RecordProviderData(ctx context.Context, id string, pd *models.PayloadData) (models.ExchangeRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.ExchangeRecord{}, err
	}
	rec.ProviderData = pd
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// MarkResourceExported flags one declared resource as transferred.
func (s *Service) MarkResourceExported(ctx context.Context, id, resource string) (models.ExchangeRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.ExchangeRecord{}, err
	}
	matched := false
	for i := range rec.Resources {
		if rec.Resources[i].Resource == resource {
			rec.Resources[i].Completed = true
			matched = true
		}
	}
	if !matched {
		return rec, fmt.Errorf("%w: resource %q", ErrMissingField, resource)
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// CreateMirror POSTs a reduced projection of the record to the target
// side's /dataexchanges endpoint and stores the returned remote id. The
// remote id slot is written at most once; a call with both ids already
// set is a no-op.
func (s *Service) CreateMirror(ctx context.Context, rec *models.ExchangeRecord, target Origin) (string, error) {
	if rec.ProviderExchangeID != "" && rec.ConsumerExchangeID != "" {
		if target == OriginProvider {
			return rec.ProviderExchangeID, nil
		}
		return rec.ConsumerExchangeID, nil
	}
	endpoint := rec.ConsumerEndpoint
	if target == OriginProvider {
		endpoint = rec.ProviderEndpoint
	}
	if strings.TrimSpace(endpoint) == "" {
		return "", fmt.Errorf("%w: %s endpoint", ErrMissingField, target)
	}
	proj := Projection(rec)
	// Embed our own id so the peer can address this copy when syncing back.
	if target == OriginProvider {
		if rec.ProviderExchangeID != "" {
			return rec.ProviderExchangeID, nil
		}
		proj.ConsumerExchangeID = rec.ID
	} else {
		if rec.ConsumerExchangeID != "" {
			return rec.ConsumerExchangeID, nil
		}
		proj.ProviderExchangeID = rec.ID
	}
	remoteID, err := s.Mirror(ctx, endpoint, proj)
	if err != nil {
		return "", err
	}
	if target == OriginProvider {
		rec.ProviderExchangeID = remoteID
	} else {
		rec.ConsumerExchangeID = remoteID
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, rec); err != nil {
		return remoteID, err
	}
	return remoteID, nil
}

// Mirror posts a projection to an arbitrary participant endpoint and
// returns the id of the copy it created. Chain participants receive their
// copies through this path without local id bookkeeping.
func (s *Service) Mirror(ctx context.Context, endpoint string, proj models.MirrorProjection) (string, error) {
	body, err := json.Marshal(proj)
	if err != nil {
		return "", err
	}
	url := strings.TrimRight(endpoint, "/") + "/dataexchanges"
	status, respBody, err := httpx.RequestJSON(ctx, s.Client, http.MethodPost, url, body, nil, s.Retries, s.RetryDelay)
	if err != nil {
		return "", fmt.Errorf("mirror to %s: %w", url, err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("%w: %s returned %d", ErrMirrorRefused, url, status)
	}
	var envelope struct {
		Success      bool `json:"success"`
		DataExchange struct {
			ID string `json:"id"`
		} `json:"dataExchange"`
	}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return "", fmt.Errorf("mirror to %s: decode response: %w", url, err)
	}
	if envelope.DataExchange.ID == "" {
		return "", fmt.Errorf("%w: %s returned no id", ErrMirrorRefused, url)
	}
	return envelope.DataExchange.ID, nil
}

// CompleteServiceChain marks the chain entry with the given service id as
// completed. An unknown id is a sync failure, never a silent no-op. The
// returned done flag is true once every entry is completed; the caller is
// responsible for the IMPORT_SUCCESS transition.
func (s *Service) CompleteServiceChain(ctx context.Context, id, serviceID string) (models.ExchangeRecord, bool, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.ExchangeRecord{}, false, err
	}
	if rec.ServiceChain == nil || len(rec.ServiceChain.Services) == 0 {
		return rec, false, fmt.Errorf("%w: exchange %s has no service chain", ErrChainSync, id)
	}
	matched := false
	done := true
	for i := range rec.ServiceChain.Services {
		svc := &rec.ServiceChain.Services[i]
		if svc.Service == serviceID {
			svc.Completed = true
			matched = true
		}
		if !svc.Completed {
			done = false
		}
	}
	if !matched {
		return rec, false, fmt.Errorf("%w: service %q not in chain of exchange %s", ErrChainSync, serviceID, id)
	}
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, &rec); err != nil {
		return rec, false, err
	}
	body, _ := json.Marshal(map[string]any{"serviceChain": rec.ServiceChain})
	s.syncRemote(ctx, rec, body)
	return rec, done, nil
}

// ApplyRemoteChain replaces the local chain state with a peer-propagated
// one, without echoing the update back.
func (s *Service) ApplyRemoteChain(ctx context.Context, id string, chain *models.ServiceChain) (models.ExchangeRecord, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.ExchangeRecord{}, err
	}
	rec.ServiceChain = chain
	rec.UpdatedAt = time.Now().UTC()
	if err := s.Store.Update(ctx, &rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (s *Service) syncRemote(ctx context.Context, rec models.ExchangeRecord, body []byte) {
	type copyRef struct {
		endpoint string
		id       string
	}
	refs := []copyRef{
		{rec.ProviderEndpoint, rec.ProviderExchangeID},
		{rec.ConsumerEndpoint, rec.ConsumerExchangeID},
	}
	for _, ref := range refs {
		if ref.endpoint == "" || ref.id == "" {
			continue
		}
		url := strings.TrimRight(ref.endpoint, "/") + "/dataexchanges/" + ref.id
		status, _, err := httpx.RequestJSON(ctx, s.Client, http.MethodPut, url, body, nil, s.Retries, s.RetryDelay)
		if err != nil {
			log.Printf("exchange %s: remote sync %s failed: %v", rec.ID, url, err)
			continue
		}
		if status < 200 || status >= 300 {
			log.Printf("exchange %s: remote sync %s returned %d", rec.ID, url, status)
		}
	}
}

// Projection reduces a record to the shape mirrored to other participants.
func Projection(rec *models.ExchangeRecord) models.MirrorProjection {
	return models.MirrorProjection{
		ProviderExchangeID: rec.ProviderExchangeID,
		ConsumerExchangeID: rec.ConsumerExchangeID,
		ProviderEndpoint:   rec.ProviderEndpoint,
		ConsumerEndpoint:   rec.ConsumerEndpoint,
		Contract:           rec.Contract,
		PurposeID:          rec.PurposeID,
		Resources:          rec.Resources,
		ProviderParams:     rec.ProviderParams,
		ConsumerParams:     rec.ConsumerParams,
		ServiceChain:       rec.ServiceChain,
		Status:             rec.Status,
	}
}

// ChainDone reports whether every chain entry is completed. A record with
// no chain is trivially done.
func ChainDone(rec models.ExchangeRecord) bool {
	if rec.ServiceChain == nil {
		return true
	}
	for _, svc := range rec.ServiceChain.Services {
		if !svc.Completed {
			return false
		}
	}
	return true
}
