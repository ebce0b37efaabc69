package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/order-tracking/internal/credentials"
	"github.com/example/order-tracking/internal/models"
)

func TestCreateOrder(t *testing.T) {
	var gotAuth string
	var gotBody models.CreateOrderRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/orders" {
			http.Error(w, "not found", 404)
			return
		}
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"data":{"id":501,"status":"pending","total":42.5}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", credentials.NewStatic("tok", 9))
	o, err := c.CreateOrder(context.Background(), models.CreateOrderRequest{Total: 42.50, PaymentMethod: "cash"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if o.ID != 501 || o.Status != models.StatusPending {
		t.Fatalf("unexpected order %+v", o)
	}
	if gotAuth != "Bearer tok" {
		t.Fatalf("auth header = %q", gotAuth)
	}
	if gotBody.UserID != 9 || gotBody.PaymentMethod != "cash" {
		t.Fatalf("unexpected body %+v", gotBody)
	}
}

func TestCreateOrderAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"message":"restaurant closed"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, credentials.NewStatic("tok", 9)).CreateOrder(context.Background(), models.CreateOrderRequest{})
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != 422 || apiErr.Message != "restaurant closed" {
		t.Fatalf("unexpected %+v", apiErr)
	}
}

func TestCreateOrderWithoutCredentials(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	_, err := NewClient(srv.URL, &credentials.Static{}).CreateOrder(context.Background(), models.CreateOrderRequest{})
	if !errors.Is(err, credentials.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if called {
		t.Fatalf("request sent without credentials")
	}
}
