package gtbx

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"
)

const metadataKey = "metadata"

// Envelope is the event body consumers receive. Its JSON form is a contract:
//
//	{"id":"<decimal>","eventType":"...","bizId":"...","occurredAt":"<RFC 3339>","payload":{...,"metadata":{...}}}
//
// The id is encoded as a string so consumers with 53 bit numbers can
// deduplicate safely.
type Envelope struct {
	Id         uint64         `json:"id,string"`
	EventType  string         `json:"eventType"`
	BizId      string         `json:"bizId"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload"`
}

// newEnvelope copies the event data into a new envelope. Metadata always
// appears in the payload, empty when the caller did not provide any. Publish
// rejects events whose data already uses the metadata key.
func newEnvelope(id uint64, eventType string, e *Event, occurredAt time.Time) *Envelope {
	payload := make(map[string]any, len(e.Data)+1)
	maps.Copy(payload, e.Data)
	metadata := make(map[string]any, len(e.Metadata))
	maps.Copy(metadata, e.Metadata)
	payload[metadataKey] = metadata

	return &Envelope{
		Id:         id,
		EventType:  eventType,
		BizId:      e.BizId,
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
	}
}

// DecodeEnvelope parses a serialized envelope, typically an OutboxRecord
// payload or the payload field of a bus Message.
func DecodeEnvelope(b []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("could not decode the event envelope: %w", err)
	}
	return &e, nil
}
