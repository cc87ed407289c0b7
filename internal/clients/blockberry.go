package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/vadiminshakov/coinwatch/internal/domain"
)

const (
	DefaultBlockberryURL = "https://api.blockberry.one/sui/v1"

	defaultTimeout      = 20 * time.Second
	defaultRequestsRate = 2.0
	maxErrorBodyBytes   = 512
)

// BalanceFetcher returns the coin list currently held by an address.
type BalanceFetcher interface {
	FetchBalances(ctx context.Context, address string) ([]domain.CoinBalance, error)
}

// BlockberryClient queries the Blockberry Sui account balance endpoint.
type BlockberryClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewBlockberryClient creates a rate limited Blockberry client.
func NewBlockberryClient(baseURL, apiKey string, requestsPerSecond float64, timeout time.Duration) *BlockberryClient {
	if baseURL == "" {
		baseURL = DefaultBlockberryURL
	}
	if requestsPerSecond <= 0 {
		requestsPerSecond = defaultRequestsRate
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &BlockberryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 1),
	}
}

// blockberryCoin mirrors one element of the balance response.
type blockberryCoin struct {
	CoinType   string          `json:"coinType"`
	CoinName   string          `json:"coinName"`
	CoinSymbol string          `json:"coinSymbol"`
	Balance    json.RawMessage `json:"balance"`
	Decimals   int32           `json:"decimals"`
}

// FetchBalances returns the coins held by address.
func (c *BlockberryClient) FetchBalances(ctx context.Context, address string) ([]domain.CoinBalance, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, networkError(address, errors.Wrap(err, "wait for rate limiter"))
	}

	endpoint := fmt.Sprintf("%s/accounts/%s/balance?%s",
		c.baseURL, url.PathEscape(address), url.Values{"account": {address}}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, networkError(address, errors.Wrap(err, "failed to create HTTP request"))
	}

	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, networkError(address, errors.Wrap(err, "HTTP request failed"))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, networkError(address, errors.Wrap(err, "failed to read response body"))
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, networkError(address, errors.Errorf("blockberry returned status %d: %s",
			resp.StatusCode, truncate(body, maxErrorBodyBytes)))
	}

	coins, err := decodeCoins(body)
	if err != nil {
		return nil, &domain.FetchError{Address: address, Kind: domain.FetchErrorMalformed, Err: err}
	}

	return coins, nil
}

func decodeCoins(body []byte) ([]domain.CoinBalance, error) {
	var raw []blockberryCoin
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal balance response")
	}

	coins := make([]domain.CoinBalance, 0, len(raw))
	for _, item := range raw {
		// entries without a coin type are never compared
		if strings.TrimSpace(item.CoinType) == "" {
			continue
		}
		if isAbsent(item.Balance) {
			return nil, errors.Errorf("missing balance for coin %q", item.CoinType)
		}

		var coin domain.CoinBalance
		if err := coin.Balance.UnmarshalJSON(item.Balance); err != nil {
			return nil, errors.Wrapf(err, "invalid balance for coin %q", item.CoinType)
		}
		coin.CoinType = item.CoinType
		coin.Name = item.CoinName
		coin.Symbol = item.CoinSymbol
		coin.Decimals = item.Decimals
		coins = append(coins, coin)
	}

	return coins, nil
}

// isAbsent reports a balance field that was omitted or null.
func isAbsent(raw json.RawMessage) bool {
	v := strings.TrimSpace(string(raw))
	return v == "" || v == "null"
}

func networkError(address string, err error) error {
	return &domain.FetchError{Address: address, Kind: domain.FetchErrorNetwork, Err: err}
}

func truncate(body []byte, limit int) string {
	if len(body) <= limit {
		return string(body)
	}
	return string(body[:limit]) + "..."
}
