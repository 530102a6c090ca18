package main

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/statebus"
	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/stream"
)

func noopTelemetry(ctx context.Context, serviceName string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

func TestRunConnectorTelemetryFailure(t *testing.T) {
	failInit := func(ctx context.Context, serviceName string) (func(context.Context) error, error) {
		return nil, errors.New("collector unreachable")
	}
	err := runConnector(failInit, nil, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "otel") {
		t.Fatalf("expected otel init failure, got %v", err)
	}
}

func TestRunConnectorDBFailure(t *testing.T) {
	failDB := func(ctx context.Context) (*pgxpool.Pool, error) {
		return nil, errors.New("connection refused")
	}
	openRedis := func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("unused")
	}
	err := runConnector(noopTelemetry, failDB, openRedis, nil)
	if err == nil || !strings.Contains(err.Error(), "db") {
		t.Fatalf("expected db failure, got %v", err)
	}
}

type scriptedConsumer struct {
	msgs []statebus.Message
}

func (c *scriptedConsumer) ReadMessage(ctx context.Context) (statebus.Message, error) {
	if len(c.msgs) == 0 {
		<-ctx.Done()
		return statebus.Message{}, ctx.Err()
	}
	msg := c.msgs[0]
	c.msgs = c.msgs[1:]
	return msg, nil
}

func (c *scriptedConsumer) Close() error { return nil }

func TestFollowStatusTopicRepublishesIntoHub(t *testing.T) {
	hub := stream.NewHub()
	sub := hub.Subscribe(4)
	defer hub.Unsubscribe(sub)

	value, _ := json.Marshal(models.StatusEvent{ExchangeID: "ex-9", Status: "EXPORT_SUCCESS"})
	consumer := &scriptedConsumer{msgs: []statebus.Message{
		{Value: []byte("not json")},
		{Value: value},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go followStatusTopic(ctx, consumer, hub)

	select {
	case evt := <-sub:
		var decoded models.StatusEvent
		if err := json.Unmarshal(evt.Data, &decoded); err != nil {
			t.Fatalf("event data: %v", err)
		}
		if decoded.ExchangeID != "ex-9" || decoded.Status != "EXPORT_SUCCESS" {
			t.Fatalf("unexpected event: %+v", decoded)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bus transition never reached the hub")
	}
}
