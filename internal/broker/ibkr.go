package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/carlmjohnson/requests"
	"github.com/eddiefleurent/scranton_calendar/internal/util"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// ErrNoQuote is returned when a snapshot carries no usable price
var ErrNoQuote = errors.New("no quote available")

// APIError represents an API error with status code and response body
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Snapshot field ids requested from the market data endpoint
const (
	fieldLast = "31"
	fieldBid  = "84"
	fieldAsk  = "86"
)

// IBKRClient talks to an IBKR Client Portal style REST gateway
type IBKRClient struct {
	client      *http.Client
	limiter     *rate.Limiter
	logger      logrus.FieldLogger
	now         func() time.Time
	location    *time.Location
	indexConids map[string]string
	baseURL     string
	underlying  string
	tickSize    float64
}

// Ensure IBKRClient implements Gateway at compile time.
var _ Gateway = (*IBKRClient)(nil)

// IBKROption configures an IBKRClient
type IBKROption func(*IBKRClient)

// WithHTTPClient allows overriding the HTTP client (tests, custom transport).
func WithHTTPClient(c *http.Client) IBKROption {
	return func(k *IBKRClient) {
		if c != nil {
			k.client = c
		}
	}
}

// WithRateLimit caps outgoing requests per second. Zero disables limiting.
func WithRateLimit(perSecond float64) IBKROption {
	return func(k *IBKRClient) {
		if perSecond <= 0 {
			k.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		k.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithUnderlying sets the option underlying searched by FindOptions
func WithUnderlying(symbol string) IBKROption {
	return func(k *IBKRClient) {
		if symbol != "" {
			k.underlying = symbol
		}
	}
}

// WithIndexConids adds symbol to contract id mappings for GetIndexValue
func WithIndexConids(m map[string]string) IBKROption {
	return func(k *IBKRClient) {
		for sym, conid := range m {
			k.indexConids[strings.ToUpper(sym)] = conid
		}
	}
}

// WithTickSize sets the price increment used for limit prices
func WithTickSize(tick float64) IBKROption {
	return func(k *IBKRClient) {
		if tick > 0 {
			k.tickSize = tick
		}
	}
}

// WithLogger sets the client logger
func WithLogger(l logrus.FieldLogger) IBKROption {
	return func(k *IBKRClient) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithClock sets the time source and market time zone used to compute expirations
func WithClock(now func() time.Time, loc *time.Location) IBKROption {
	return func(k *IBKRClient) {
		if now != nil {
			k.now = now
		}
		if loc != nil {
			k.location = loc
		}
	}
}

// NewIBKRClient creates a gateway client for the REST API rooted at baseURL
func NewIBKRClient(baseURL string, opts ...IBKROption) *IBKRClient {
	c := &IBKRClient{
		client:      &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(10), 10),
		logger:      logrus.StandardLogger(),
		now:         time.Now,
		location:    time.UTC,
		indexConids: map[string]string{"VIX": "1369"},
		baseURL:     strings.TrimRight(baseURL, "/"),
		underlying:  "SPX",
		tickSize:    0.05,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ============ Wire Structures ============

// Handle single-object vs array responses
type singleOrArray[T any] []T

func (s *singleOrArray[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '[' {
		return json.Unmarshal(b, (*[]T)(s))
	}
	var one T
	if err := json.Unmarshal(b, &one); err != nil {
		return err
	}
	*s = append(*s, one)
	return nil
}

// flexString accepts JSON strings and numbers
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(string(b))
	return nil
}

// flexFloat accepts numbers and numeric strings. Snapshot values may carry
// a one-letter prefix such as "C" for a prior close.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	str := strings.TrimLeft(strings.TrimSpace(string(s)), "CH")
	str = strings.ReplaceAll(str, ",", "")
	if str == "" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(str, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", string(s), err)
	}
	*f = flexFloat(v)
	return nil
}

// flexText accepts a string or a list of strings
type flexText string

func (f *flexText) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var parts []string
		if err := json.Unmarshal(b, &parts); err != nil {
			return err
		}
		*f = flexText(strings.Join(parts, "; "))
		return nil
	}
	var s flexString
	if err := s.UnmarshalJSON(b); err != nil {
		return err
	}
	*f = flexText(s)
	return nil
}

type accountsResponse []Account

func (a *accountsResponse) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var wrapped struct {
			Accounts []Account `json:"accounts"`
		}
		if err := json.Unmarshal(b, &wrapped); err != nil {
			return err
		}
		*a = wrapped.Accounts
		return nil
	}
	return json.Unmarshal(b, (*[]Account)(a))
}

type contractItem struct {
	Conid  flexString `json:"conid"`
	Symbol string     `json:"symbol"`
	Right  string     `json:"right"`
	Expiry string     `json:"expiry"`
	Strike flexFloat  `json:"strike"`
	Delta  flexFloat  `json:"delta"`
	Bid    flexFloat  `json:"bid"`
	Ask    flexFloat  `json:"ask"`
	Last   flexFloat  `json:"last"`
}

type searchResponse struct {
	Contracts []contractItem `json:"contracts"`
}

type snapshotItem struct {
	Conid     flexString `json:"conid"`
	LastPrice flexFloat  `json:"lastPrice"`
	Last      flexFloat  `json:"31"`
	Bid       flexFloat  `json:"84"`
	Ask       flexFloat  `json:"86"`
}

func (s snapshotItem) last() float64 {
	if s.LastPrice > 0 {
		return float64(s.LastPrice)
	}
	return float64(s.Last)
}

type orderReply struct {
	ID          flexString `json:"id"`
	OrderID     flexString `json:"order_id"`
	Status      string     `json:"status"`
	OrderStatus string     `json:"order_status"`
	Message     flexText   `json:"message"`
	Warning     flexText   `json:"warning"`
	Error       flexText   `json:"error"`
}

func (r orderReply) result() *OrderResult {
	id := string(r.ID)
	if id == "" {
		id = string(r.OrderID)
	}
	status := r.Status
	if status == "" {
		status = r.OrderStatus
	}
	return &OrderResult{
		ID:      id,
		Status:  status,
		Message: string(r.Message),
		Warning: string(r.Warning),
		Error:   string(r.Error),
	}
}

type cancelResponse struct {
	Success *bool      `json:"success"`
	OrderID flexString `json:"order_id"`
	Message flexText   `json:"msg"`
	Error   flexText   `json:"error"`
}

type orderStatusResponse struct {
	OrderID        flexString `json:"orderId"`
	OrderIDSnake   flexString `json:"order_id"`
	Status         string     `json:"status"`
	OrderStatus    string     `json:"order_status"`
	Price          flexFloat  `json:"price"`
	LimitPrice     flexFloat  `json:"limit_price"`
	AvgPrice       flexFloat  `json:"avgPrice"`
	AvgPriceSnake  flexFloat  `json:"average_price"`
	FilledQuantity flexFloat  `json:"filledQuantity"`
	CumFill        flexFloat  `json:"cum_fill"`
	Remaining      flexFloat  `json:"remainingQuantity"`
	TotalSize      flexFloat  `json:"total_size"`
}

func firstNonZero(vals ...flexFloat) float64 {
	for _, v := range vals {
		if v != 0 {
			return float64(v)
		}
	}
	return 0
}

func (r orderStatusResponse) status(orderID string) *OrderStatus {
	raw := r.Status
	if raw == "" {
		raw = r.OrderStatus
	}
	id := string(r.OrderID)
	if id == "" {
		id = string(r.OrderIDSnake)
	}
	if id == "" {
		id = orderID
	}
	filled := firstNonZero(r.FilledQuantity, r.CumFill)
	remaining := float64(r.Remaining)
	if remaining == 0 && r.TotalSize > 0 {
		remaining = float64(r.TotalSize) - filled
	}
	return &OrderStatus{
		ID:                id,
		State:             NormalizeOrderState(raw),
		RawStatus:         raw,
		Price:             firstNonZero(r.Price, r.LimitPrice),
		AvgFillPrice:      firstNonZero(r.AvgPrice, r.AvgPriceSnake),
		FilledQuantity:    filled,
		RemainingQuantity: remaining,
	}
}

// ============ Requests ============

// apiErrorValidator turns non-2xx responses into *APIError
func apiErrorValidator(res *http.Response) error {
	if res.StatusCode >= 200 && res.StatusCode < 300 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(res.Body, 64<<10)) // 64KB cap to avoid huge payloads
	if err != nil {
		return &APIError{Status: res.StatusCode, Body: "failed to read error body"}
	}
	return &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
}

func (c *IBKRClient) fetch(ctx context.Context, method, path string, params url.Values, body, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	b := requests.URL(c.baseURL+path).Client(c.client).
		Method(method).
		Header("Accept", "application/json").
		Header("User-Agent", "scranton-calendar/1.0 (+ibkr)").
		AddValidator(apiErrorValidator)
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
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return fmt.Errorf("%s %s: %w", method, path, apiErr)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// ListAccounts returns the accounts visible to the gateway session
func (c *IBKRClient) ListAccounts(ctx context.Context) ([]Account, error) {
	var res accountsResponse
	if err := c.fetch(ctx, http.MethodGet, "/portfolio/accounts", nil, nil, &res); err != nil {
		return nil, err
	}
	return []Account(res), nil
}

// FindOptions searches for contracts of the configured underlying near the
// target delta, one expiration per calendar-day offset from today.
func (c *IBKRClient) FindOptions(ctx context.Context, delta float64, offsetDays []int, right string) ([]Contract, error) {
	today := c.now().In(c.location)
	expirations := make([]string, 0, len(offsetDays))
	for _, d := range offsetDays {
		expirations = append(expirations, today.AddDate(0, 0, d).Format("2006-01-02"))
	}

	params := url.Values{}
	params.Set("symbol", c.underlying)
	params.Set("right", right)
	params.Set("delta", strconv.FormatFloat(delta, 'f', -1, 64))
	params.Set("expirations", strings.Join(expirations, ","))

	var res searchResponse
	if err := c.fetch(ctx, http.MethodGet, "/iserver/secdef/search", params, nil, &res); err != nil {
		return nil, err
	}

	contracts := make([]Contract, 0, len(res.Contracts))
	for _, item := range res.Contracts {
		expiry, err := parseExpiry(item.Expiry, c.location)
		if err != nil {
			c.logger.WithField("conid", string(item.Conid)).Warnf("Skipping contract: %v", err)
			continue
		}
		contracts = append(contracts, Contract{
			Conid:  string(item.Conid),
			Symbol: item.Symbol,
			Right:  item.Right,
			Strike: float64(item.Strike),
			Expiry: expiry,
			Delta:  float64(item.Delta),
			Bid:    float64(item.Bid),
			Ask:    float64(item.Ask),
			Last:   float64(item.Last),
		})
	}
	return contracts, nil
}

func parseExpiry(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"2006-01-02", "20060102", time.RFC3339} {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized expiry %q", s)
}

// GetIndexValue returns the last price of an index such as VIX, or
// IndexValueUnavailable with an error when none can be obtained.
func (c *IBKRClient) GetIndexValue(ctx context.Context, symbol string) (float64, error) {
	conid, ok := c.indexConids[strings.ToUpper(symbol)]
	if !ok {
		return IndexValueUnavailable, fmt.Errorf("no contract id configured for index %s", symbol)
	}

	items, err := c.snapshot(ctx, []string{conid})
	if err != nil {
		return IndexValueUnavailable, err
	}
	if len(items) == 0 || items[0].last() <= 0 {
		return IndexValueUnavailable, fmt.Errorf("%s: %w", symbol, ErrNoQuote)
	}
	return items[0].last(), nil
}

// GetQuotes returns bid/ask/last snapshots keyed by contract id
func (c *IBKRClient) GetQuotes(ctx context.Context, conids []string) (map[string]Quote, error) {
	items, err := c.snapshot(ctx, conids)
	if err != nil {
		return nil, err
	}
	quotes := make(map[string]Quote, len(items))
	for _, it := range items {
		quotes[string(it.Conid)] = Quote{
			Conid: string(it.Conid),
			Bid:   float64(it.Bid),
			Ask:   float64(it.Ask),
			Last:  it.last(),
		}
	}
	return quotes, nil
}

func (c *IBKRClient) snapshot(ctx context.Context, conids []string) ([]snapshotItem, error) {
	if len(conids) == 0 {
		return nil, nil
	}
	params := url.Values{}
	params.Set("conids", strings.Join(conids, ","))
	params.Set("fields", strings.Join([]string{fieldLast, fieldBid, fieldAsk}, ","))

	var res singleOrArray[snapshotItem]
	if err := c.fetch(ctx, http.MethodGet, "/iserver/marketdata/snapshot", params, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *IBKRClient) submit(ctx context.Context, path string, payload any) (*OrderResult, error) {
	var res singleOrArray[orderReply]
	if err := c.fetch(ctx, http.MethodPost, path, nil, payload, &res); err != nil {
		return nil, err
	}
	if len(res) == 0 {
		out := &OrderResult{}
		return out, out.Err()
	}
	out := res[0].result()
	if err := out.Err(); err != nil {
		return out, err
	}
	if out.Warning != "" {
		c.logger.WithField("order_id", out.ID).Warnf("Order accepted with warning: %s", out.Warning)
	}
	return out, nil
}

// SubmitCombinationOrder places a calendar combination as a DAY limit order.
// The limit is maxCost spread over every contract of the order.
func (c *IBKRClient) SubmitCombinationOrder(ctx context.Context, accountID string, legs []Leg, maxCost float64) (*OrderResult, error) {
	if len(legs) == 0 {
		return nil, errors.New("combination order requires at least one leg")
	}
	quantity := legs[0].Quantity
	if quantity <= 0 {
		return nil, fmt.Errorf("invalid combination quantity %d", quantity)
	}
	limit := util.LimitPerShare(maxCost, quantity, c.tickSize)
	if limit <= 0 {
		return nil, fmt.Errorf("max cost %.2f is below one tick for %d contracts", maxCost, quantity)
	}

	payload := map[string]any{
		"acctId":     accountID,
		"strategy":   "Calendar",
		"orders":     legs,
		"orderType":  "LMT",
		"price":      limit,
		"tif":        "DAY",
		"outsideRth": false,
	}
	return c.submit(ctx, fmt.Sprintf("/iserver/account/%s/orders/combinations", url.PathEscape(accountID)), payload)
}

// SubmitDependentOrder places a GTC limit order that closes the parent's position
func (c *IBKRClient) SubmitDependentOrder(ctx context.Context, accountID, parentOrderID string, targetPrice float64, quantity int) (*OrderResult, error) {
	payload := map[string]any{
		"acctId":     accountID,
		"parentId":   parentOrderID,
		"orderType":  "LMT",
		"side":       SideSell,
		"quantity":   quantity,
		"price":      targetPrice,
		"tif":        "GTC",
		"outsideRth": true,
	}
	return c.submit(ctx, fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(accountID)), payload)
}

// SubmitMarketOrder places a DAY market order for a single contract
func (c *IBKRClient) SubmitMarketOrder(ctx context.Context, accountID, conid, side string, quantity int) (*OrderResult, error) {
	payload := map[string]any{
		"acctId":    accountID,
		"conid":     conid,
		"orderType": "MKT",
		"side":      side,
		"quantity":  quantity,
		"tif":       "DAY",
	}
	return c.submit(ctx, fmt.Sprintf("/iserver/account/%s/orders", url.PathEscape(accountID)), payload)
}

// CancelOrder requests cancellation and reports whether the gateway accepted it
func (c *IBKRClient) CancelOrder(ctx context.Context, accountID, orderID string) (bool, error) {
	var res cancelResponse
	path := fmt.Sprintf("/iserver/account/%s/order/%s", url.PathEscape(accountID), url.PathEscape(orderID))
	if err := c.fetch(ctx, http.MethodDelete, path, nil, nil, &res); err != nil {
		return false, err
	}
	if res.Error != "" {
		return false, fmt.Errorf("%w: %s", ErrOrderRejected, res.Error)
	}
	if res.Success != nil {
		return *res.Success, nil
	}
	return res.OrderID != "", nil
}

// GetOrderStatus returns the current state of an order
func (c *IBKRClient) GetOrderStatus(ctx context.Context, accountID, orderID string) (*OrderStatus, error) {
	var res orderStatusResponse
	path := fmt.Sprintf("/iserver/account/%s/order/%s", url.PathEscape(accountID), url.PathEscape(orderID))
	if err := c.fetch(ctx, http.MethodGet, path, nil, nil, &res); err != nil {
		return nil, err
	}
	return res.status(orderID), nil
}
