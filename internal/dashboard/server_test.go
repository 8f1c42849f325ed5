package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eddiefleurent/scranton_calendar/internal/broker"
	"github.com/eddiefleurent/scranton_calendar/internal/engine"
	"github.com/eddiefleurent/scranton_calendar/internal/models"
	"github.com/eddiefleurent/scranton_calendar/internal/storage"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	trades  []models.Trade
	account string
	mu      sync.Mutex
	running bool
}

func (f *fakeEngine) Start(accountID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if accountID == "" {
		return engine.ErrNoAccount
	}
	if f.running {
		return engine.ErrAlreadyRunning
	}
	f.running, f.account = true, accountID
	return nil
}

func (f *fakeEngine) Stop() context.Context {
	f.mu.Lock()
	f.running, f.account = false, ""
	f.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (f *fakeEngine) IsActive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeEngine) CurrentAccount() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.account
}

func (f *fakeEngine) ActiveTrades() []models.Trade { return f.trades }

type mockAccounts struct {
	mock.Mock
}

func (m *mockAccounts) ListAccounts(ctx context.Context) ([]broker.Account, error) {
	args := m.Called(ctx)
	accounts, _ := args.Get(0).([]broker.Account)
	return accounts, args.Error(1)
}

func newTestServer(t *testing.T, token string) (*Server, *storage.MockStorage, *fakeEngine, *mockAccounts) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	repo := storage.NewMockStorage()
	eng := &fakeEngine{}
	accounts := &mockAccounts{}
	srv := NewServer(Config{AuthToken: token}, repo, eng, accounts, logger)
	return srv, repo, eng, accounts
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func sampleStrategy() models.Strategy {
	return models.Strategy{
		Name: "monday", IsActive: true, DayOfWeek: 1, Delta: 70,
		D1: 3, D2: 4, T1: "09-32", T2: "15-30", TP: 20, MaxCost: 10000,
	}
}

func TestHealthBypassesAuth(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "secret")
	rec := do(t, srv.Handler(), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestAuthMiddleware(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "secret")
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		header []string
		want   int
	}{
		{"missing", "/api/strategies", nil, http.StatusUnauthorized},
		{"wrong", "/api/strategies", []string{"X-Auth-Token", "nope"}, http.StatusUnauthorized},
		{"header", "/api/strategies", []string{"X-Auth-Token", "secret"}, http.StatusOK},
		{"bearer", "/api/strategies", []string{"Authorization", "Bearer secret"}, http.StatusOK},
		{"query", "/api/strategies?token=secret", nil, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodGet, tt.path, "", tt.header...)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestStrategyCRUD(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	body, err := json.Marshal(sampleStrategy())
	require.NoError(t, err)
	rec := do(t, h, http.MethodPost, "/api/strategies", string(body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var created models.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = do(t, h, http.MethodGet, "/api/strategies/"+created.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/strategies/"+created.ID+"/active", `{"isActive": false}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var toggled models.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &toggled))
	assert.False(t, toggled.IsActive)

	rec = do(t, h, http.MethodPost, "/api/strategies/"+created.ID+"/active", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/api/strategies", "")
	var list []models.Strategy
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = do(t, h, http.MethodDelete, "/api/strategies/"+created.ID, "")
	assert.JSONEq(t, `{"deleted":true}`, rec.Body.String())
	rec = do(t, h, http.MethodDelete, "/api/strategies/"+created.ID, "")
	assert.JSONEq(t, `{"deleted":false}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/strategies/"+created.ID, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpsertStrategyRejectsInvalid(t *testing.T) {
	srv, repo, _, _ := newTestServer(t, "")
	h := srv.Handler()

	bad := sampleStrategy()
	bad.DayOfWeek = 9
	body, _ := json.Marshal(bad)
	rec := do(t, h, http.MethodPost, "/api/strategies", string(body))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/strategies", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	all, err := repo.ListStrategies(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStorageFailureIs500(t *testing.T) {
	srv, repo, _, _ := newTestServer(t, "")
	repo.SetLoadError(errors.New("disk"))
	rec := do(t, srv.Handler(), http.MethodGet, "/api/strategies", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk")
}

func TestParseStrategy(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/strategies/parse", `{"text": "Mon 70 3 4 09-32 15-30 20% 10000"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res ParseResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Strategy.DayOfWeek)
	assert.Equal(t, 70.0, res.Strategy.Delta)
	assert.False(t, res.DayFallback)
	assert.NotEmpty(t, res.Canonical)

	rec = do(t, h, http.MethodPost, "/api/strategies/parse", `{"text": "Xyz 70 3 4 09-32 15-30 20% 10000"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.DayFallback)
	assert.Equal(t, 1, res.Strategy.DayOfWeek)

	rec = do(t, h, http.MethodPost, "/api/strategies/parse", `{"text": "Mon 70"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportImport(t *testing.T) {
	srv, repo, _, _ := newTestServer(t, "")
	h := srv.Handler()
	s := sampleStrategy()
	_, err := repo.UpsertStrategy(context.Background(), &s)
	require.NoError(t, err)

	rec := do(t, h, http.MethodGet, "/api/strategies/export", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "strategies.json")
	exported := rec.Body.String()

	rec = do(t, h, http.MethodPost, "/api/strategies/import", exported)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report storage.ImportReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Imported)

	all, err := repo.ListStrategies(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	rec = do(t, h, http.MethodPost, "/api/strategies/import", `{"not": "an array"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTradesEndpoints(t *testing.T) {
	srv, _, eng, _ := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/strategy-trades", `{"status": "waiting"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodPost, "/api/strategy-trades", `{"strategyId": "s1", "status": "bogus"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/strategy-trades", `{"strategyId": "s1", "status": "waiting"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/strategy-trades?strategyId=s1", "")
	var trades []models.Trade
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "s1", trades[0].StrategyID)

	rec = do(t, h, http.MethodGet, "/api/strategy-trades?strategyId=other", "")
	assert.JSONEq(t, `[]`, rec.Body.String())

	price := 51.0
	eng.trades = []models.Trade{{ID: "t1", StrategyID: "s1", Status: models.StatusTakeProfitPlaced, EntryPrice: &price, Contracts: 2}}
	rec = do(t, h, http.MethodGet, "/api/trades/active", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &trades))
	assert.Len(t, trades, 1)
}

func TestEngineControl(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "")
	h := srv.Handler()

	rec := do(t, h, http.MethodPost, "/api/engine/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/engine/start", `{"accountId": "U1"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active": true, "account": "U1", "openTrades": 0}`, rec.Body.String())

	rec = do(t, h, http.MethodPost, "/api/engine/start", `{"accountId": "U2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/engine/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active": false, "openTrades": 0}`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/api/engine", "")
	assert.JSONEq(t, `{"active": false, "openTrades": 0}`, rec.Body.String())
}

func TestAccounts(t *testing.T) {
	srv, _, _, accounts := newTestServer(t, "")
	accounts.On("ListAccounts", mock.Anything).Return([]broker.Account{{ID: "U1", AccountID: "U1"}}, nil).Once()
	accounts.On("ListAccounts", mock.Anything).Return(nil, errors.New("gateway down")).Once()

	rec := do(t, srv.Handler(), http.MethodGet, "/api/accounts", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accountId":"U1"`)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/accounts", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	accounts.AssertExpectations(t)
}

func TestStats(t *testing.T) {
	srv, repo, eng, _ := newTestServer(t, "")
	s := sampleStrategy()
	s.Results = &models.StrategyResults{TotalPnL: 1520, WinCount: 3, LossCount: 1}
	_, err := repo.UpsertStrategy(context.Background(), &s)
	require.NoError(t, err)
	price := 51.0
	eng.trades = []models.Trade{{ID: "t1", StrategyID: s.ID, Status: models.StatusTakeProfitPlaced, EntryPrice: &price, Contracts: 2}}

	rec := do(t, srv.Handler(), http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Statistics
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Strategies)
	assert.Equal(t, 1, stats.ActiveStrategies)
	assert.Equal(t, 1, stats.OpenTrades)
	assert.InDelta(t, 75.0, stats.WinRate, 1e-9)
	assert.InDelta(t, 10200.0, stats.OpenExposure, 1e-9)
	assert.Equal(t, "$1,520", stats.TotalPnLDisplay)
	assert.Equal(t, "$10,200", stats.OpenExposureDisplay)
}

// RemoteStorage speaks the same wire format as the control API
func TestRemoteStorageAgainstServer(t *testing.T) {
	srv, _, _, _ := newTestServer(t, "tok")
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	remote, err := storage.NewRemoteStorage(ts.URL, storage.WithRemoteToken("tok"))
	require.NoError(t, err)
	ctx := context.Background()

	s := sampleStrategy()
	stored, err := remote.UpsertStrategy(ctx, &s)
	require.NoError(t, err)
	require.NotEmpty(t, stored.ID)

	got, err := remote.GetStrategy(ctx, stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "monday", got.Name)

	_, err = remote.GetStrategy(ctx, "missing")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	trade := models.NewTrade("", stored.ID, time.Now())
	require.NoError(t, remote.UpsertTrade(ctx, trade))
	trades, err := remote.ListTrades(ctx, stored.ID)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	deleted, err := remote.DeleteStrategy(ctx, stored.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	unauth, err := storage.NewRemoteStorage(ts.URL)
	require.NoError(t, err)
	_, err = unauth.ListStrategies(ctx)
	var rerr *storage.RemoteError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, http.StatusUnauthorized, rerr.Status)
}
