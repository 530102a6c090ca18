package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/exchange"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/httpx"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/representation"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/store"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/stream"
)

func (s *Server) handleCreateExchange(w http.ResponseWriter, r *http.Request) {
	var proj models.MirrorProjection
	if err := json.NewDecoder(r.Body).Decode(&proj); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	rec := models.ExchangeRecord{
		ProviderExchangeID: proj.ProviderExchangeID,
		ConsumerExchangeID: proj.ConsumerExchangeID,
		ProviderEndpoint:   proj.ProviderEndpoint,
		ConsumerEndpoint:   proj.ConsumerEndpoint,
		Contract:           proj.Contract,
		PurposeID:          proj.PurposeID,
		Resources:          proj.Resources,
		ProviderParams:     proj.ProviderParams,
		ConsumerParams:     proj.ConsumerParams,
		ServiceChain:       proj.ServiceChain,
		Status:             proj.Status,
	}
	if err := s.Exchanges.Create(r.Context(), &rec); err != nil {
		if errors.Is(err, exchange.ErrMissingField) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to create exchange")
		return
	}
	httpx.WriteEnvelope(w, http.StatusCreated, httpx.Envelope{Success: true, DataExchange: rec})
}

func (s *Server) handleGetExchange(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Exchanges.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: true, DataExchange: rec})
}

// handleUpdateExchange receives peer-propagated state: either a status
// transition or a chain snapshot. Peer updates are applied locally only,
// never echoed back.
func (s *Server) handleUpdateExchange(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var body struct {
		Status       string               `json:"status"`
		Payload      string               `json:"payload"`
		Origin       string               `json:"origin"`
		ServiceChain *models.ServiceChain `json:"serviceChain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	var (
		rec models.ExchangeRecord
		err error
	)
	switch {
	case body.ServiceChain != nil:
		rec, err = s.Exchanges.ApplyRemoteChain(r.Context(), id, body.ServiceChain)
	case body.Status != "":
		rec, err = s.Exchanges.UpdateStatusLocal(r.Context(), id, body.Status, body.Payload, originOr(body.Origin))
	default:
		httpx.Error(w, http.StatusBadRequest, "status or serviceChain required")
		return
	}
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: true, DataExchange: rec})
}

func (s *Server) handleExchangeError(w http.ResponseWriter, r *http.Request) {
	s.settleExchange(w, r, false)
}

func (s *Server) handleExchangeSuccess(w http.ResponseWriter, r *http.Request) {
	s.settleExchange(w, r, true)
}

// settleExchange maps an origin-qualified outcome report onto the matching
// status and propagates it to the remote copies.
func (s *Server) settleExchange(w http.ResponseWriter, r *http.Request, success bool) {
	id := chi.URLParam(r, "id")
	var body struct {
		Origin  string `json:"origin"`
		Payload string `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	origin := originOr(body.Origin)
	status := exchange.ErrorStatus(origin)
	if success {
		status = exchange.SuccessStatus(origin)
	}
	rec, err := s.Exchanges.UpdateStatus(r.Context(), id, status, body.Payload, origin)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: true, DataExchange: rec})
}

// handleCompleteChainHop is the chain runner's callback for one finished
// hop. With a payload the full hop sequence (policy gate, push, complete)
// runs; without one the chain entry is just marked completed.
func (s *Server) handleCompleteChainHop(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	serviceID := chi.URLParam(r, "index")
	var body struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if len(body.Data) > 0 {
		rec, err := s.Flow.HopCallback(r.Context(), id, serviceID, body.Data)
		if err != nil {
			s.writeExchangeError(w, err)
			return
		}
		httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{
			Success:      !exchange.IsError(rec.Status),
			Message:      rec.Payload,
			DataExchange: rec,
		})
		return
	}
	rec, done, err := s.Exchanges.CompleteServiceChain(r.Context(), id, serviceID)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	if done {
		if rec, err = s.Exchanges.UpdateStatus(r.Context(), id, exchange.ImportSuccess, "", exchange.OriginConsumer); err != nil {
			s.writeExchangeError(w, err)
			return
		}
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{Success: true, DataExchange: rec})
}

// handleProviderExport is the consumer-triggered entry into the provider
// leg. The caller addresses the record by its own consumer-side id; a
// direct local id is accepted for operator-driven replays.
func (s *Server) handleProviderExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ConsumerDataExchange string `json:"consumerDataExchange"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.ConsumerDataExchange) == "" {
		httpx.Error(w, http.StatusBadRequest, "consumerDataExchange required")
		return
	}
	rec, err := s.Exchanges.GetByConsumerExchangeID(r.Context(), body.ConsumerDataExchange)
	if err != nil {
		rec, err = s.Exchanges.Get(r.Context(), body.ConsumerDataExchange)
	}
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	rec, err = s.Flow.ProviderExport(r.Context(), rec.ID)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{
		Success:      !exchange.IsError(rec.Status),
		Message:      rec.Payload,
		DataExchange: rec,
	})
}

// handleProviderImport receives the consumer's relayed API response.
func (s *Server) handleProviderImport(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	id := strings.TrimSpace(r.Header.Get(representation.HeaderExchangeID))
	if id == "" {
		var envelope struct {
			DataExchangeID string          `json:"dataExchangeId"`
			Data           json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.DataExchangeID == "" {
			httpx.Error(w, http.StatusBadRequest, "exchange id required")
			return
		}
		id = envelope.DataExchangeID
		payload = envelope.Data
	}
	rec, err := s.Flow.ProviderImport(r.Context(), id, payload)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{
		Success:      !exchange.IsError(rec.Status),
		Message:      rec.Payload,
		DataExchange: rec,
	})
}

// handleConsumerImport is the provider's delivery entry point. The body
// is the raw payload when the exchange id travels in the coordination
// header; JSON-enveloped deliveries are accepted as a fallback.
func (s *Server) handleConsumerImport(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httpx.Error(w, http.StatusBadRequest, "failed to read body")
		return
	}
	providerID := strings.TrimSpace(r.Header.Get(representation.HeaderExchangeID))
	contentType := r.Header.Get("Content-Type")
	if providerID == "" {
		var envelope struct {
			ProviderDataExchangeID string          `json:"providerDataExchangeId"`
			Data                   json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil || envelope.ProviderDataExchangeID == "" {
			httpx.Error(w, http.StatusBadRequest, "provider exchange id required")
			return
		}
		providerID = envelope.ProviderDataExchangeID
		payload = envelope.Data
		contentType = "application/json"
	}
	rec, err := s.Flow.ConsumerImport(r.Context(), providerID, payload, contentType)
	if err != nil {
		s.writeExchangeError(w, err)
		return
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{
		Success:      !exchange.IsError(rec.Status),
		Message:      rec.Payload,
		DataExchange: rec,
	})
}

// handleConsumerExchange starts a full exchange from the consumer side:
// create the local record, mirror it to the provider, trigger the export
// and wait a bounded time for a terminal status. A deadline hit reports
// timedOut, not failure; the record stays authoritative.
func (s *Server) handleConsumerExchange(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProviderEndpoint string                    `json:"providerEndpoint"`
		Contract         string                    `json:"contract"`
		PurposeID        string                    `json:"purposeId"`
		Resources        []models.ExchangeResource `json:"resources"`
		ProviderParams   map[string]string         `json:"providerParams"`
		ConsumerParams   map[string]string         `json:"consumerParams"`
		ServiceChain     *models.ServiceChain      `json:"serviceChain"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if strings.TrimSpace(req.ProviderEndpoint) == "" {
		httpx.Error(w, http.StatusBadRequest, "providerEndpoint required")
		return
	}
	rec := models.ExchangeRecord{
		ProviderEndpoint: strings.TrimRight(req.ProviderEndpoint, "/"),
		ConsumerEndpoint: s.SelfEndpoint,
		Contract:         req.Contract,
		PurposeID:        req.PurposeID,
		Resources:        req.Resources,
		ProviderParams:   req.ProviderParams,
		ConsumerParams:   req.ConsumerParams,
		ServiceChain:     req.ServiceChain,
	}
	ctx := r.Context()
	if err := s.Exchanges.Create(ctx, &rec); err != nil {
		if errors.Is(err, exchange.ErrMissingField) {
			httpx.Error(w, http.StatusBadRequest, err.Error())
			return
		}
		httpx.Error(w, http.StatusInternalServerError, "failed to create exchange")
		return
	}
	if _, err := s.Exchanges.CreateMirror(ctx, &rec, exchange.OriginProvider); err != nil {
		rec, _ = s.Exchanges.UpdateStatusLocal(ctx, rec.ID, exchange.UndefinedError, err.Error(), exchange.OriginConsumer)
		httpx.WriteEnvelope(w, http.StatusBadGateway, httpx.Envelope{
			Success:      false,
			Message:      "mirror creation failed",
			DataExchange: rec,
		})
		return
	}
	// Subscribe before firing the trigger: the peer can complete the
	// whole round trip before a later subscription would see anything.
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)
	go s.triggerProviderExport(rec)

	result := s.Events.WaitTerminalOn(ctx, sub, rec.ID, rec.Status, s.WaitDeadline)
	if reloaded, err := s.Exchanges.Get(ctx, rec.ID); err == nil {
		rec = reloaded
	}
	httpx.WriteEnvelope(w, http.StatusOK, httpx.Envelope{
		Success:      !exchange.IsError(rec.Status),
		Message:      rec.Payload,
		TimedOut:     result.TimedOut,
		DataExchange: rec,
	})
}

// triggerProviderExport kicks the provider leg on the peer. Failures are
// logged; the bounded wait on the caller's side reports the timeout.
func (s *Server) triggerProviderExport(rec models.ExchangeRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*s.WaitDeadline)
	defer cancel()
	body, _ := json.Marshal(map[string]string{"consumerDataExchange": rec.ID})
	url := strings.TrimRight(rec.ProviderEndpoint, "/") + "/provider/export"
	status, _, err := httpx.RequestJSON(ctx, s.Exchanges.Client, http.MethodPost, url, body, nil, s.Exchanges.Retries, s.Exchanges.RetryDelay)
	if err != nil {
		log.Printf("exchange %s: export trigger %s failed: %v", rec.ID, url, err)
		return
	}
	if status < 200 || status >= 300 {
		log.Printf("exchange %s: export trigger %s returned %d", rec.ID, url, status)
	}
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	if s.Audit == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "audit unavailable")
		return
	}
	trail, err := s.Audit.Trail(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		httpx.Error(w, http.StatusInternalServerError, "failed to load audit trail")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"entries": trail})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.Error(w, http.StatusServiceUnavailable, "stream unavailable")
		return
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(env("WS_ALLOWED_ORIGINS", "")); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.Subscribe(64)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (s *Server) writeExchangeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrExchangeNotFound) || errors.Is(err, exchange.ErrNotFound):
		httpx.Error(w, http.StatusNotFound, "exchange not found")
	case errors.Is(err, exchange.ErrInvalidTransition) || errors.Is(err, exchange.ErrUnknownStatus):
		httpx.Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, exchange.ErrMissingField) || errors.Is(err, exchange.ErrChainSync):
		httpx.Error(w, http.StatusBadRequest, err.Error())
	default:
		httpx.Error(w, http.StatusInternalServerError, "internal error")
	}
}

func originOr(raw string) exchange.Origin {
	if strings.EqualFold(strings.TrimSpace(raw), string(exchange.OriginConsumer)) {
		return exchange.OriginConsumer
	}
	return exchange.OriginProvider
}
