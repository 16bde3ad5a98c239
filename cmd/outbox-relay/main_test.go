package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/3rs4lg4d0/gtbx-relay/gtbx"
	"github.com/stretchr/testify/assert"
)

func TestRun(t *testing.T) {
	testcases := []struct {
		name       string
		args       func(t *testing.T) []string
		wantUsage  bool
		wantErrMsg string
	}{
		{
			name:       "missing command",
			args:       func(t *testing.T) []string { return nil },
			wantUsage:  true,
			wantErrMsg: "missing command",
		},
		{
			name:       "unknown command",
			args:       func(t *testing.T) []string { return []string{"replay"} },
			wantUsage:  true,
			wantErrMsg: `unknown command "replay"`,
		},
		{
			name:       "unknown flag",
			args:       func(t *testing.T) []string { return []string{"stats", "-verbose"} },
			wantUsage:  true,
			wantErrMsg: "flag provided but not defined: -verbose",
		},
		{
			name:       "invalid limit",
			args:       func(t *testing.T) []string { return []string{"dead-letters", "-limit", "many"} },
			wantUsage:  true,
			wantErrMsg: "invalid value",
		},
		{
			name: "missing configuration file",
			args: func(t *testing.T) []string {
				return []string{"purge", "-config", filepath.Join(t.TempDir(), "relay.yaml")}
			},
			wantErrMsg: "could not read the configuration",
		},
		{
			name: "invalid configuration",
			args: func(t *testing.T) []string {
				t.Setenv("OUTBOX_BROKER_TYPE", "sqs")
				t.Setenv("OUTBOX_DATABASE_DSN", "postgres://localhost/outbox")
				return []string{"stats", "-config", t.TempDir()}
			},
			wantErrMsg: "invalid configuration",
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var stdout bytes.Buffer
			err := run(context.Background(), tc.args(t), &stdout)
			assert.ErrorContains(t, err, tc.wantErrMsg)
			assert.Equal(t, tc.wantUsage, errors.Is(err, errUsage))
			assert.Empty(t, stdout.String())
		})
	}
}

func TestNewDeadLetter(t *testing.T) {
	createdAt := time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC)
	o := &gtbx.OutboxRecord{
		Id:           1234567890123,
		EventType:    "ORDER_PLACED",
		AggregateId:  "order-42",
		Topic:        "order.order_placed",
		Payload:      []byte(`{"total":10}`),
		Status:       gtbx.StatusFailed,
		RetryCount:   3,
		ErrorMessage: "broker unavailable",
		CreatedAt:    createdAt,
	}

	b, err := json.Marshal(newDeadLetter(o))
	assert.NoError(t, err)
	assert.JSONEq(t, `{
		"id": "1234567890123",
		"eventType": "ORDER_PLACED",
		"aggregateId": "order-42",
		"topic": "order.order_placed",
		"retryCount": 3,
		"errorMessage": "broker unavailable",
		"createdAt": "2024-03-01T10:30:00Z",
		"payload": {"total": 10}
	}`, string(b))
}
