package executors

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowrun/pkg/schema"
)

type invoiceRequest struct {
	Method  string
	Path    string
	Auth    string
	IdemKey string
	Body    map[string]any
}

func invoiceServer(t *testing.T, status int, reply string) (*httptest.Server, *[]invoiceRequest) {
	t.Helper()
	var reqs []invoiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := invoiceRequest{
			Method:  r.Method,
			Path:    r.URL.Path,
			Auth:    r.Header.Get("Authorization"),
			IdemKey: r.Header.Get("Idempotency-Key"),
		}
		_ = json.NewDecoder(r.Body).Decode(&req.Body)
		reqs = append(reqs, req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	}))
	t.Cleanup(srv.Close)
	return srv, &reqs
}

func TestInvoiceUpsert_Create(t *testing.T) {
	srv, reqs := invoiceServer(t, http.StatusCreated, `{"id":"inv_001","status":"draft"}`)

	reg := newValidatedRegistry(t)
	require.NoError(t, reg.Register(NewInvoiceUpsert(InvoiceConfig{APIURL: srv.URL + "/", Token: "secret"})))

	out, err := reg.Execute(context.Background(), InvoiceType, Input{
		Settings:       map[string]any{"customer": "Globex", "amount": "120.50", "lines": []any{map[string]any{"sku": "A1"}}},
		CompanyID:      "acme",
		IdempotencyKey: "run-1:bill",
	})
	require.NoError(t, err)

	require.Len(t, *reqs, 1)
	req := (*reqs)[0]
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/invoices", req.Path)
	assert.Equal(t, "Bearer secret", req.Auth)
	assert.Equal(t, "run-1:bill", req.IdemKey)
	assert.Equal(t, 120.5, req.Body["amount"])
	assert.Equal(t, "USD", req.Body["currency"])
	assert.Equal(t, "acme", req.Body["company_id"])
	assert.Len(t, req.Body["lines"], 1)

	assert.Equal(t, true, out["created"])
	assert.Equal(t, "inv_001", out["invoice_id"])
	assert.Equal(t, http.StatusCreated, out["status_code"])
}

func TestInvoiceUpsert_UpdateExisting(t *testing.T) {
	srv, reqs := invoiceServer(t, http.StatusOK, `{"id":"inv 7","status":"open"}`)

	out, err := NewInvoiceUpsert(InvoiceConfig{APIURL: srv.URL}).Execute(context.Background(), Input{
		Settings: map[string]any{"invoice_id": "inv 7", "customer": "Globex", "amount": 99.0, "currency": "EUR"},
	})
	require.NoError(t, err)

	req := (*reqs)[0]
	assert.Equal(t, http.MethodPut, req.Method)
	assert.Equal(t, "/invoices/inv 7", req.Path)
	assert.Empty(t, req.Auth)
	assert.Equal(t, "EUR", req.Body["currency"])
	assert.Equal(t, false, out["created"])
}

func TestInvoiceUpsert_InvalidAmount(t *testing.T) {
	srv, reqs := invoiceServer(t, http.StatusOK, `{}`)

	_, err := NewInvoiceUpsert(InvoiceConfig{APIURL: srv.URL}).Execute(context.Background(), Input{
		NodeID:   "bill",
		Settings: map[string]any{"customer": "Globex", "amount": "a lot"},
	})
	engErr := requireCode(t, err, schema.ErrCodeConfiguration)
	assert.Equal(t, "bill", engErr.NodeID)
	assert.Empty(t, *reqs)
}

func TestInvoiceUpsert_RejectedByAPI(t *testing.T) {
	srv, _ := invoiceServer(t, http.StatusUnprocessableEntity, `{"error":"customer unknown"}`)

	_, err := NewInvoiceUpsert(InvoiceConfig{APIURL: srv.URL}).Execute(context.Background(), Input{
		Settings: map[string]any{"customer": "Nobody", "amount": 1},
	})
	engErr := requireCode(t, err, schema.ErrCodeExecution)
	assert.Equal(t, http.StatusUnprocessableEntity, engErr.Details["status_code"])
}

func TestInvoiceUpsert_SettingsValidation(t *testing.T) {
	reg := newValidatedRegistry(t)
	require.NoError(t, reg.Register(NewInvoiceUpsert(InvoiceConfig{APIURL: "http://127.0.0.1:1"})))

	_, err := reg.Execute(context.Background(), InvoiceType, Input{Settings: map[string]any{"amount": 10}})
	requireCode(t, err, schema.ErrCodeConfiguration)

	_, err = reg.Execute(context.Background(), InvoiceType, Input{Settings: map[string]any{"customer": "x", "amount": true}})
	requireCode(t, err, schema.ErrCodeConfiguration)
}

func TestInvoiceUpsert_NoAPIConfigured(t *testing.T) {
	_, err := NewInvoiceUpsert(InvoiceConfig{}).Execute(context.Background(), Input{
		Settings: map[string]any{"customer": "x", "amount": 1},
	})
	requireCode(t, err, schema.ErrCodeConfiguration)
}
