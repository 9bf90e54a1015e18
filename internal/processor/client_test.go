package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paymentJSON = `{
	"id": 123456789,
	"status": "approved",
	"status_detail": "accredited",
	"external_reference": "order-1",
	"transaction_amount": 100.50,
	"currency_id": "BRL",
	"payment_method_id": "pix",
	"date_approved": "2024-03-01T10:00:05.000-03:00",
	"date_last_updated": "2024-03-01T10:00:06.000-03:00"
}`

func TestFetchPayment_Success(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(paymentJSON))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	snap, err := c.FetchPayment(context.Background(), "123456789")
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret-token", gotAuth)
	assert.Equal(t, "/v1/payments/123456789", gotPath)

	assert.Equal(t, "123456789", snap.ID)
	assert.Equal(t, "approved", snap.Status)
	assert.Equal(t, "accredited", snap.StatusDetail)
	assert.Equal(t, "order-1", snap.ExternalReference)
	assert.True(t, decimal.RequireFromString("100.50").Equal(snap.Amount))
	assert.Equal(t, "BRL", snap.Currency)
	assert.Equal(t, "pix", snap.PaymentMethodID)
	require.NotNil(t, snap.DateLastUpdated)
	assert.Equal(t, time.Date(2024, 3, 1, 13, 0, 6, 0, time.UTC), *snap.DateLastUpdated)
	assert.Equal(t, time.UTC, snap.DateLastUpdated.Location())
}

func TestFetchPayment_StringID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"42","status":"pending"}`))
	}))
	defer srv.Close()

	snap, err := New(srv.URL, "t").FetchPayment(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", snap.ID)
	assert.Nil(t, snap.DateApproved)
}

func TestFetchPayment_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindUnauthorized},
		{http.StatusNotFound, KindNotFound},
		{http.StatusBadRequest, KindNotFound},
		{http.StatusRequestTimeout, KindTransient},
		{http.StatusTooManyRequests, KindTransient},
		{http.StatusInternalServerError, KindTransient},
		{http.StatusBadGateway, KindTransient},
		{http.StatusServiceUnavailable, KindTransient},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			_, err := New(srv.URL, "t").FetchPayment(context.Background(), "1")
			require.Error(t, err)

			var pe *Error
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want, pe.Kind)
			assert.Equal(t, tt.status, pe.StatusCode)
			assert.Contains(t, pe.Error(), "nope")
		})
	}
}

func TestFetchPayment_UndecodableBodyIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html>gateway</html>`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").FetchPayment(context.Background(), "1")
	assert.True(t, IsTransient(err))
}

func TestFetchPayment_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, "t", WithTimeout(50*time.Millisecond)).FetchPayment(context.Background(), "1")
	assert.True(t, IsTransient(err))
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchPayment_NetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	_, err := New(url, "t").FetchPayment(context.Background(), "1")
	assert.True(t, IsTransient(err))
}

func TestFetchPayment_EmptyID(t *testing.T) {
	_, err := New("http://unused", "t").FetchPayment(context.Background(), "")
	assert.True(t, IsNotFound(err))
}

func TestSearchByExternalReference_PicksLatest(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("external_reference")
		assert.Equal(t, "/v1/payments/search", r.URL.Path)
		_, _ = w.Write([]byte(`{"results":[
			{"id":1,"status":"rejected","external_reference":"order-9","date_last_updated":"2024-03-01T10:00:00Z"},
			{"id":2,"status":"approved","external_reference":"order-9","date_last_updated":"2024-03-01T11:00:00Z"},
			{"id":3,"status":"pending","external_reference":"order-9"}
		]}`))
	}))
	defer srv.Close()

	snap, err := New(srv.URL, "t").SearchByExternalReference(context.Background(), "order-9")
	require.NoError(t, err)
	assert.Equal(t, "order-9", gotQuery)
	assert.Equal(t, "2", snap.ID)
	assert.Equal(t, "approved", snap.Status)
}

func TestSearchByExternalReference_NoResults(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"results":[]}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "t").SearchByExternalReference(context.Background(), "order-x")
	assert.True(t, IsNotFound(err))
}

func TestClient_StringRedactsToken(t *testing.T) {
	c := New("http://example.test", "super-secret")
	assert.NotContains(t, c.String(), "super-secret")
	assert.Contains(t, c.String(), "REDACTED")
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) ObserveProcessorRequest(op, result string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, op+":"+result)
}

func TestClient_Observer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/payments/404" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id":1,"status":"pending"}`))
	}))
	defer srv.Close()

	obs := &recordingObserver{}
	c := New(srv.URL, "t", WithObserver(obs))

	_, _ = c.FetchPayment(context.Background(), "1")
	_, _ = c.FetchPayment(context.Background(), "404")

	assert.Equal(t, []string{"fetch_payment:ok", "fetch_payment:not_found"}, obs.results)
}
