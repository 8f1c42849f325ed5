package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
)

// RemoteError is a non-2xx response from the remote store
type RemoteError struct {
	Body   string
	Status int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote storage error %d: %s", e.Status, e.Body)
}

// RemoteStorage talks to a dashboard-compatible HTTP store
type RemoteStorage struct {
	client  *http.Client
	baseURL string
	token   string
}

// RemoteOption configures a RemoteStorage
type RemoteOption func(*RemoteStorage)

// WithRemoteTimeout sets the HTTP timeout; zero keeps the default
func WithRemoteTimeout(d time.Duration) RemoteOption {
	return func(r *RemoteStorage) {
		if d > 0 {
			r.client.Timeout = d
		}
	}
}

// WithRemoteToken sends a bearer token with every request
func WithRemoteToken(token string) RemoteOption {
	return func(r *RemoteStorage) { r.token = token }
}

// WithRemoteHTTPClient replaces the HTTP client
func WithRemoteHTTPClient(c *http.Client) RemoteOption {
	return func(r *RemoteStorage) {
		if c != nil {
			r.client = c
		}
	}
}

// NewRemoteStorage creates a client for the store rooted at baseURL
func NewRemoteStorage(baseURL string, opts ...RemoteOption) (*RemoteStorage, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("remote storage url is empty")
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid remote storage url: %w", err)
	}
	r := &RemoteStorage{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func remoteValidator(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(res.Body, 16<<10))
	rerr := &RemoteError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	if res.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, rerr)
	}
	return rerr
}

func (r *RemoteStorage) fetch(ctx context.Context, method, path string, params url.Values, body, out any) error {
	b := requests.URL(r.baseURL+path).Client(r.client).
		Method(method).
		Header("Accept", "application/json").
		AddValidator(remoteValidator)
	if r.token != "" {
		b = b.Bearer(r.token)
	}
	if len(params) > 0 {
		b = b.Params(params)
	}
	if body != nil {
		b = b.BodyJSON(body)
	}
	if out != nil {
		b = b.ToJSON(out)
	}
	if err := b.Fetch(ctx); err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// ListStrategies fetches every strategy
func (r *RemoteStorage) ListStrategies(ctx context.Context) ([]models.Strategy, error) {
	out := make([]models.Strategy, 0)
	if err := r.fetch(ctx, http.MethodGet, "/api/strategies", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStrategy fetches one strategy
func (r *RemoteStorage) GetStrategy(ctx context.Context, id string) (*models.Strategy, error) {
	var out models.Strategy
	if err := r.fetch(ctx, http.MethodGet, "/api/strategies/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// UpsertStrategy posts a strategy and returns the stored version
func (r *RemoteStorage) UpsertStrategy(ctx context.Context, strategy *models.Strategy) (*models.Strategy, error) {
	in, err := prepareStrategy(strategy)
	if err != nil {
		return nil, err
	}
	var out models.Strategy
	if err := r.fetch(ctx, http.MethodPost, "/api/strategies", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type deleteResponse struct {
	Deleted bool `json:"deleted"`
}

// DeleteStrategy deletes a strategy; a missing id reports false
func (r *RemoteStorage) DeleteStrategy(ctx context.Context, id string) (bool, error) {
	var out deleteResponse
	err := r.fetch(ctx, http.MethodDelete, "/api/strategies/"+url.PathEscape(id), nil, nil, &out)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Deleted, nil
}

// ListTrades fetches trades, optionally for one strategy
func (r *RemoteStorage) ListTrades(ctx context.Context, strategyID string) ([]models.Trade, error) {
	var params url.Values
	if strategyID != "" {
		params = url.Values{"strategyId": []string{strategyID}}
	}
	out := make([]models.Trade, 0)
	if err := r.fetch(ctx, http.MethodGet, "/api/strategy-trades", params, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertTrade posts a trade record
func (r *RemoteStorage) UpsertTrade(ctx context.Context, trade *models.Trade) error {
	in, err := prepareTrade(trade)
	if err != nil {
		return err
	}
	return r.fetch(ctx, http.MethodPost, "/api/strategy-trades", nil, in, nil)
}
