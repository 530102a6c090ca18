// Package statebus moves exchange status transitions over Kafka so
// sidecar processes (dashboards, billing reconcilers) can follow
// exchanges without polling the connector.
package statebus

import (
	"context"
	"encoding/json"

	"github.com/Prometheus-X-association/dataspace-connector-sub000/pkg/models"
)

type Message struct {
	Value []byte
}

type Consumer interface {
	ReadMessage(ctx context.Context) (Message, error)
	Close() error
}

// DecodeStatus unpacks a bus message back into a status event.
func DecodeStatus(msg Message) (models.StatusEvent, error) {
	var evt models.StatusEvent
	err := json.Unmarshal(msg.Value, &evt)
	return evt, err
}
