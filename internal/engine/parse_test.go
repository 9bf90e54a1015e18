package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/payrecon/internal/domain"
)

func TestParsePayload(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 5, 0, time.UTC)
	amount := decimal.RequireFromString("100.50")

	tests := []struct {
		name    string
		payload string
		hint    string
		want    parsed
	}{
		{
			name:    "webhook notification",
			payload: `{"type":"payment","action":"payment.updated","data":{"id":"1325326516"}}`,
			want:    parsed{signal: signal{PaymentID: "1325326516"}, Topic: topicPayment},
		},
		{
			name:    "numeric data id",
			payload: `{"type":"payment","data":{"id":1325326516}}`,
			want:    parsed{signal: signal{PaymentID: "1325326516"}, Topic: topicPayment},
		},
		{
			name:    "legacy resource url",
			payload: `{"topic":"payment","resource":"https://api.example.test/v1/payments/42"}`,
			want:    parsed{signal: signal{PaymentID: "42"}, Topic: topicPayment},
		},
		{
			name:    "legacy bare resource",
			payload: `{"topic":"payment","resource":"42"}`,
			want:    parsed{signal: signal{PaymentID: "42"}, Topic: topicPayment},
		},
		{
			name:    "notification falls back to hint",
			payload: `{"type":"payment"}`,
			hint:    "77",
			want:    parsed{signal: signal{PaymentID: "77"}, Topic: topicPayment},
		},
		{
			name:    "topic is case insensitive",
			payload: `{"type":"PAYMENT","data":{"id":"1"}}`,
			want:    parsed{signal: signal{PaymentID: "1"}, Topic: topicPayment},
		},
		{
			name:    "unsupported type keeps id",
			payload: `{"type":"plan","data":{"id":"9"}}`,
			want:    parsed{signal: signal{PaymentID: "9"}, Topic: "plan"},
		},
		{
			name:    "empty body with hint",
			payload: "  \n",
			hint:    "5",
			want:    parsed{signal: signal{PaymentID: "5"}, Topic: topicPayment},
		},
		{
			name:    "object without id uses hint",
			payload: `{"action":"ping"}`,
			hint:    "5",
			want:    parsed{signal: signal{PaymentID: "5"}, Topic: topicPayment},
		},
		{
			name: "inline payment",
			payload: `{"id":1325326516,"status":"approved","external_reference":"order-1",
				"transaction_amount":100.50,"currency_id":"BRL","date_last_updated":"2024-03-01T09:00:05.000-03:00"}`,
			want: parsed{
				signal: signal{
					PaymentID:         "1325326516",
					ExternalReference: "order-1",
					Status:            "approved",
					Amount:            &amount,
					Currency:          "BRL",
					Timestamp:         &ts,
				},
				Topic:  topicPayment,
				Inline: true,
			},
		},
		{
			name:    "inline falls back to date_created",
			payload: `{"id":"1","status":"pending","date_last_updated":"yesterday","date_created":"2024-03-01T12:00:05Z"}`,
			want: parsed{
				signal: signal{PaymentID: "1", Status: "pending", Timestamp: &ts},
				Topic:  topicPayment,
				Inline: true,
			},
		},
		{
			name:    "inline with unparseable dates has no timestamp",
			payload: `{"id":"1","status":"pending","date_created":"soon"}`,
			want: parsed{
				signal: signal{PaymentID: "1", Status: "pending"},
				Topic:  topicPayment,
				Inline: true,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parsePayload([]byte(tt.payload), tt.hint)
			require.NoError(t, err)

			assert.Equal(t, tt.want.PaymentID, got.PaymentID)
			assert.Equal(t, tt.want.ExternalReference, got.ExternalReference)
			assert.Equal(t, tt.want.Status, got.Status)
			assert.Equal(t, tt.want.Currency, got.Currency)
			assert.Equal(t, tt.want.Topic, got.Topic)
			assert.Equal(t, tt.want.Inline, got.Inline)

			if tt.want.Amount == nil {
				assert.Nil(t, got.Amount)
			} else if assert.NotNil(t, got.Amount) {
				assert.True(t, tt.want.Amount.Equal(*got.Amount), "amount %s", got.Amount)
			}
			if tt.want.Timestamp == nil {
				assert.Nil(t, got.Timestamp)
			} else if assert.NotNil(t, got.Timestamp) {
				assert.True(t, tt.want.Timestamp.Equal(*got.Timestamp), "timestamp %s", got.Timestamp)
				assert.Equal(t, time.UTC, got.Timestamp.Location())
			}
		})
	}
}

func TestParsePayload_Malformed(t *testing.T) {
	tests := map[string]string{
		"empty without hint":     ``,
		"invalid json":           `{"type":`,
		"json string":            `"payment"`,
		"notification no id":     `{"type":"payment","data":{"id":""}}`,
		"boolean inline id":      `{"id":true,"status":"approved"}`,
		"object without any id":  `{"status":"approved"}`,
		"non numeric amount":     `{"id":"1","transaction_amount":"abc"}`,
		"boolean amount":         `{"id":"1","transaction_amount":false}`,
		"fractional numeric id":  `{"id":12.5}`,
		"resource object":        `{"topic":"payment","resource":{"id":1}}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parsePayload([]byte(payload), "")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedEvent)
		})
	}
}

func TestSnapshotPayload_RoundTrips(t *testing.T) {
	updated := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	snap := domain.PaymentSnapshot{
		ID:                "21",
		Status:            "approved",
		ExternalReference: "order-1",
		Amount:            decimal.RequireFromString("10.25"),
		Currency:          "BRL",
		DateLastUpdated:   &updated,
	}

	raw, err := snapshotPayload(snap)
	require.NoError(t, err)

	got, err := parsePayload(raw, "")
	require.NoError(t, err)
	assert.True(t, got.Inline)
	assert.Equal(t, signalFromSnapshot(snap).PaymentID, got.PaymentID)
	assert.Equal(t, "order-1", got.ExternalReference)
	assert.True(t, snap.Amount.Equal(*got.Amount))
	assert.True(t, updated.Equal(*got.Timestamp))
}

func TestSignalFromSnapshot(t *testing.T) {
	approved := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	sig := signalFromSnapshot(domain.PaymentSnapshot{ID: "1", Status: "approved", DateApproved: &approved})
	assert.Nil(t, sig.Amount, "zero amount means unknown")
	require.NotNil(t, sig.Timestamp)
	assert.Equal(t, approved, *sig.Timestamp)

	sig = signalFromSnapshot(domain.PaymentSnapshot{ID: "1"})
	assert.Nil(t, sig.Timestamp)
}

func TestFetchFailure(t *testing.T) {
	code, retryable := fetchFailure(assert.AnError)
	assert.Equal(t, domain.CodeTransient, code)
	assert.True(t, retryable)
}
