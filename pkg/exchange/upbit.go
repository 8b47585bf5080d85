package exchange

import (
	"bytes"
	"context"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Upbit is the authenticated REST client for api.upbit.com. Requests are
// signed with a JWT carrying a SHA512 hash of the query string.
type Upbit struct {
	baseURL   string
	accessKey string
	secretKey string
	client    *http.Client
	limiter   *rate.Limiter
}

// NewUpbit builds the live gateway. rps bounds outbound request rate;
// Upbit enforces 8 req/s for the exchange API group.
func NewUpbit(baseURL, accessKey, secretKey string, rps float64) *Upbit {
	if baseURL == "" {
		baseURL = "https://api.upbit.com"
	}
	if rps <= 0 {
		rps = 8
	}
	return &Upbit{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		client:    &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// upbitOrder is the wire shape of an order in Upbit responses.
type upbitOrder struct {
	UUID           string `json:"uuid"`
	Side           string `json:"side"`
	OrdType        string `json:"ord_type"`
	State          string `json:"state"`
	Market         string `json:"market"`
	Volume         string `json:"volume"`
	ExecutedVolume string `json:"executed_volume"`
	PaidFee        string `json:"paid_fee"`
	CreatedAt      string `json:"created_at"`
	Trades         []struct {
		Price  string `json:"price"`
		Volume string `json:"volume"`
		Funds  string `json:"funds"`
	} `json:"trades"`
}

func (u *Upbit) PlaceOrder(ctx context.Context, spec OrderSpec) (Ack, error) {
	params := url.Values{}
	params.Set("market", spec.Market)
	params.Set("identifier", spec.IdempotencyKey)

	switch spec.Side {
	case SideBuy:
		params.Set("side", "bid")
	case SideSell:
		params.Set("side", "ask")
	default:
		return Ack{}, fmt.Errorf("upbit: unknown side %q", spec.Side)
	}

	switch spec.Type {
	case TypeLimit:
		params.Set("ord_type", "limit")
		params.Set("volume", formatFloat(spec.Volume))
		params.Set("price", formatFloat(spec.Price))
	case TypeMarket:
		if spec.Side == SideBuy {
			// Upbit market buys are quoted in KRW, not volume.
			tk, err := u.GetTicker(ctx, spec.Market)
			if err != nil {
				return Ack{}, fmt.Errorf("upbit: ticker for market buy: %w", err)
			}
			params.Set("ord_type", "price")
			params.Set("price", formatFloat(spec.Volume*tk.Last))
		} else {
			params.Set("ord_type", "market")
			params.Set("volume", formatFloat(spec.Volume))
		}
	default:
		return Ack{}, fmt.Errorf("upbit: unknown order type %q", spec.Type)
	}

	var resp upbitOrder
	if err := u.do(ctx, http.MethodPost, "/v1/orders", params, &resp); err != nil {
		return Ack{}, err
	}

	st := mapUpbitState(resp.State)
	exec := parseFloat(resp.ExecutedVolume)
	return Ack{
		ExchangeID:     resp.UUID,
		Status:         st,
		ExecutedVolume: exec,
		AvgPrice:       avgFillPrice(resp),
		Fee:            parseFloat(resp.PaidFee),
		CreatedAt:      time.Now(),
	}, nil
}

func (u *Upbit) CancelOrder(ctx context.Context, exchangeID string) (bool, error) {
	params := url.Values{}
	params.Set("uuid", exchangeID)

	var resp upbitOrder
	if err := u.do(ctx, http.MethodDelete, "/v1/order", params, &resp); err != nil {
		return false, err
	}
	return true, nil
}

func (u *Upbit) GetOrderStatus(ctx context.Context, exchangeID string) (OrderStatus, error) {
	params := url.Values{}
	params.Set("uuid", exchangeID)

	var resp upbitOrder
	if err := u.do(ctx, http.MethodGet, "/v1/order", params, &resp); err != nil {
		return OrderStatus{}, err
	}
	return toOrderStatus(resp), nil
}

func (u *Upbit) GetOpenOrders(ctx context.Context, market string) ([]OrderStatus, error) {
	params := url.Values{}
	if market != "" {
		params.Set("market", market)
	}
	params.Set("state", "wait")

	var resp []upbitOrder
	if err := u.do(ctx, http.MethodGet, "/v1/orders", params, &resp); err != nil {
		return nil, err
	}
	res := make([]OrderStatus, 0, len(resp))
	for _, o := range resp {
		res = append(res, toOrderStatus(o))
	}
	return res, nil
}

func (u *Upbit) GetBalances(ctx context.Context) (map[string]Balance, error) {
	var resp []struct {
		Currency string `json:"currency"`
		Balance  string `json:"balance"`
		Locked   string `json:"locked"`
	}
	if err := u.do(ctx, http.MethodGet, "/v1/accounts", nil, &resp); err != nil {
		return nil, err
	}
	res := make(map[string]Balance, len(resp))
	for _, b := range resp {
		res[b.Currency] = Balance{Free: parseFloat(b.Balance), Locked: parseFloat(b.Locked)}
	}
	return res, nil
}

func (u *Upbit) GetTicker(ctx context.Context, market string) (Ticker, error) {
	params := url.Values{}
	params.Set("markets", market)

	var resp []struct {
		Market     string  `json:"market"`
		TradePrice float64 `json:"trade_price"`
	}
	if err := u.do(ctx, http.MethodGet, "/v1/ticker", params, &resp); err != nil {
		return Ticker{}, err
	}
	if len(resp) == 0 {
		return Ticker{}, fmt.Errorf("upbit: empty ticker response for %s", market)
	}
	last := resp[0].TradePrice
	return Ticker{Market: market, Last: last, Bid: last, Ask: last, At: time.Now()}, nil
}

// do signs and executes one request, decoding the JSON response into out.
func (u *Upbit) do(ctx context.Context, method, path string, params url.Values, out any) error {
	if err := u.limiter.Wait(ctx); err != nil {
		return err
	}

	query := ""
	if params != nil {
		query = params.Encode()
	}

	var req *http.Request
	var err error
	switch method {
	case http.MethodPost:
		body, mErr := json.Marshal(flatten(params))
		if mErr != nil {
			return fmt.Errorf("upbit: encode body: %w", mErr)
		}
		req, err = http.NewRequestWithContext(ctx, method, u.baseURL+path, bytes.NewReader(body))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		target := u.baseURL + path
		if query != "" {
			target += "?" + query
		}
		req, err = http.NewRequestWithContext(ctx, method, target, nil)
	}
	if err != nil {
		return fmt.Errorf("upbit: build request: %w", err)
	}

	token, err := signRequest(u.accessKey, u.secretKey, query)
	if err != nil {
		return fmt.Errorf("upbit: sign request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("upbit: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("upbit: read response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("upbit: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("upbit: decode response: %w", err)
	}
	return nil
}

// signRequest builds the Upbit JWT: HS256 over access_key, a uuid nonce
// and, when the request carries parameters, a SHA512 hash of the encoded
// query string.
func signRequest(accessKey, secretKey, query string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": accessKey,
		"nonce":      uuid.NewString(),
	}
	if query != "" {
		h := sha512.Sum512([]byte(query))
		claims["query_hash"] = hex.EncodeToString(h[:])
		claims["query_hash_alg"] = "SHA512"
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secretKey))
}

func toOrderStatus(o upbitOrder) OrderStatus {
	side := SideBuy
	if o.Side == "ask" {
		side = SideSell
	}
	return OrderStatus{
		ExchangeID:     o.UUID,
		Market:         o.Market,
		Side:           side,
		Status:         mapUpbitState(o.State),
		Volume:         parseFloat(o.Volume),
		ExecutedVolume: parseFloat(o.ExecutedVolume),
		AvgPrice:       avgFillPrice(o),
		Fee:            parseFloat(o.PaidFee),
	}
}

func mapUpbitState(state string) string {
	switch state {
	case "wait", "watch":
		return StatusOpen
	case "done":
		return StatusFilled
	case "cancel":
		return StatusCanceled
	default:
		return StatusOpen
	}
}

// avgFillPrice derives the volume-weighted fill price from the trades list.
func avgFillPrice(o upbitOrder) float64 {
	var funds, volume float64
	for _, t := range o.Trades {
		funds += parseFloat(t.Funds)
		volume += parseFloat(t.Volume)
	}
	if volume <= 0 {
		return 0
	}
	return funds / volume
}

func flatten(params url.Values) map[string]string {
	m := make(map[string]string, len(params))
	for k := range params {
		m[k] = params.Get(k)
	}
	return m
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
