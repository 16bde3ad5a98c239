// Package emitter holds what the broker emitters share.
package emitter

import (
	"context"
	"sort"
	"strconv"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderId            = "id"
	HeaderEventType     = "eventType"
	HeaderAggregateType = "aggregateType"
	HeaderCreatedAt     = "createdAt"
)

// Headers returns the message headers of an outbox record: its id (decimal),
// event type, aggregate type, creation time (Unix milliseconds) and the trace
// context of ctx, if any.
func Headers(ctx context.Context, o *gtbx.OutboxRecord) map[string]string {
	headers := map[string]string{
		HeaderId:            strconv.FormatUint(o.Id, 10),
		HeaderEventType:     o.EventType,
		HeaderAggregateType: o.AggregateType,
		HeaderCreatedAt:     strconv.FormatInt(o.CreatedAt.UnixMilli(), 10),
	}

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for k, v := range carrier {
		if _, reserved := headers[k]; !reserved {
			headers[k] = v
		}
	}
	return headers
}

// SortedKeys returns the header names in a stable order, so brokers with list
// based headers get a deterministic layout.
func SortedKeys(headers map[string]string) []string {
	keys := []string{HeaderId, HeaderEventType, HeaderAggregateType, HeaderCreatedAt}
	var extra []string
	for k := range headers {
		switch k {
		case HeaderId, HeaderEventType, HeaderAggregateType, HeaderCreatedAt:
		default:
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return append(keys, extra...)
}
