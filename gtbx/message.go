package gtbx

import (
	"encoding/json"
	"fmt"
)

// Message is what emitters put on the bus. It exposes the event metadata so
// consumers can route without decoding the business payload.
type Message struct {
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateId   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
}

// BuildMessage serializes the bus message for an outbox record. The record
// payload is embedded verbatim.
func BuildMessage(o *OutboxRecord) ([]byte, error) {
	if !json.Valid(o.Payload) {
		return nil, fmt.Errorf("record %d has an invalid JSON payload", o.Id)
	}
	b, err := json.Marshal(Message{
		EventType:     o.EventType,
		AggregateType: o.AggregateType,
		AggregateId:   o.AggregateId,
		Payload:       o.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("could not serialize the message for record %d: %w", o.Id, err)
	}
	return b, nil
}
