package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/example/order-tracking/internal/credentials"
	"github.com/example/order-tracking/internal/models"
	"github.com/example/order-tracking/internal/wire"
)

// APIError is a non-2xx reply from the REST backend.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend: status %d", e.Status)
	}
	return fmt.Sprintf("backend: status %d: %s", e.Status, e.Message)
}

// Client calls the REST endpoints the tracking core depends on.
type Client struct {
	BaseURL string
	Creds   credentials.Store
	HTTP    *http.Client
}

func NewClient(baseURL string, creds credentials.Store) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Creds:   creds,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// CreateOrder posts the order and returns the created resource. The user id
// is filled from the credentials when the request leaves it empty.
func (c *Client) CreateOrder(ctx context.Context, req models.CreateOrderRequest) (*models.Order, error) {
	creds, err := c.Creds.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if req.UserID == 0 {
		req.UserID = creds.UserID
	}
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/orders", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	hreq.Header.Set("Content-Type", "application/json")
	if creds.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+creds.Token)
	}

	resp, err := c.HTTP.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("create order: read body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Message: errorMessage(body)}
	}

	p, err := wire.DecodeOrder(body)
	if err != nil {
		return nil, fmt.Errorf("create order: decode: %w", err)
	}
	o := p.Order()
	if o.ID == 0 {
		return nil, errors.New("create order: response without order id")
	}
	if o.Status == "" {
		o.Status = models.StatusPending
	}
	return &o, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Message != "" {
			return e.Message
		}
		if e.Error != "" {
			return e.Error
		}
	}
	return strings.TrimSpace(string(body))
}
