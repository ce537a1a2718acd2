// internal/dex/jupiter/client.go
package jupiter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/executor"
	"github.com/rovshanmuradov/sniper-core/internal/position"
)

const (
	defaultBaseURL = "https://api.jup.ag/swap/v1"
	wsolMint       = "So11111111111111111111111111111111111111112"
	lamportsPerSOL = 1_000_000_000

	defaultTimeout = 5 * time.Second
	defaultRetries = 3
	defaultPause   = 50 * time.Millisecond
)

// Config tunes the aggregator client. Zero values fall back to the public
// v1 endpoint with short retries.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
	Attempts       int
	RetryPause     time.Duration
}

// Client talks to the Jupiter swap API. Quotes are carried as raw JSON maps
// because the swap endpoint wants the quote echoed back verbatim; typed
// views are parsed out of the map where the pipeline needs numbers.
//
// Token amounts are raw base units end to end: buys report tokens received
// in base units, sells take base units in. SOL crosses the boundary in SOL
// and is converted to lamports here.
type Client struct {
	http     *http.Client
	logger   *zap.Logger
	baseURL  string
	payer    solana.PublicKey
	attempts int
	pause    time.Duration
}

func New(cfg Config, payer solana.PublicKey, logger *zap.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultTimeout
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = defaultRetries
	}
	if cfg.RetryPause <= 0 {
		cfg.RetryPause = defaultPause
	}
	return &Client{
		http: &http.Client{
			Timeout: cfg.RequestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:   logger.Named("jupiter"),
		baseURL:  cfg.BaseURL,
		payer:    payer,
		attempts: cfg.Attempts,
		pause:    cfg.RetryPause,
	}
}

// Quote asks for an ExactIn route. The returned map is the full API
// response, suitable for handing straight to BuildSwap.
func (c *Client) Quote(ctx context.Context, inputMint, outputMint string, amount, slippageBP uint64) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/quote?inputMint=%s&outputMint=%s&amount=%d&slippageBps=%d&swapMode=ExactIn",
		c.baseURL, inputMint, outputMint, amount, slippageBP)

	var quote map[string]interface{}
	err := c.withRetries(ctx, "quote", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		return c.decodeJSON(req, &quote)
	})
	if err != nil {
		return nil, err
	}

	if msg, ok := quote["error"].(string); ok {
		return nil, fmt.Errorf("quote error: %s", msg)
	}
	return quote, nil
}

// BuildSwap turns a quote into an unsigned legacy transaction. Tips and
// compute-budget fees are not requested here: the execution router attaches
// its own per-path fee instructions, and only legacy messages survive that
// surgery.
func (c *Client) BuildSwap(ctx context.Context, quote map[string]interface{}) (*solana.Transaction, error) {
	body, err := json.Marshal(map[string]interface{}{
		"quoteResponse":           quote,
		"userPublicKey":           c.payer.String(),
		"wrapAndUnwrapSol":        true,
		"dynamicComputeUnitLimit": true,
		"asLegacyTransaction":     true,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal swap request: %w", err)
	}

	var swap map[string]interface{}
	err = c.withRetries(ctx, "swap", func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/swap", bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return c.decodeJSON(req, &swap)
	})
	if err != nil {
		return nil, err
	}

	if msg, ok := swap["error"].(string); ok {
		return nil, fmt.Errorf("swap error: %s", msg)
	}
	encoded, ok := swap["swapTransaction"].(string)
	if !ok {
		return nil, fmt.Errorf("no swapTransaction in response")
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode swap transaction: %w", err)
	}
	tx, err := solana.TransactionFromBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("parse swap transaction: %w", err)
	}
	return tx, nil
}

// PrepareSwap implements the router's swap provider: quote the route, build
// the unsigned transaction, and report the quoted price.
func (c *Client) PrepareSwap(ctx context.Context, req executor.SwapRequest) (executor.PreparedSwap, error) {
	if _, err := solana.PublicKeyFromBase58(req.Mint); err != nil {
		return executor.PreparedSwap{}, fmt.Errorf("bad mint %q: %w", req.Mint, err)
	}

	var inputMint, outputMint string
	var amount uint64
	switch req.Side {
	case executor.SideBuy:
		inputMint, outputMint = wsolMint, req.Mint
		amount = uint64(math.Round(req.AmountIn * lamportsPerSOL))
	case executor.SideSell:
		inputMint, outputMint = req.Mint, wsolMint
		amount = uint64(math.Round(req.AmountIn))
	default:
		return executor.PreparedSwap{}, fmt.Errorf("bad side %q", req.Side)
	}
	if amount == 0 {
		return executor.PreparedSwap{}, fmt.Errorf("amount %f rounds to zero", req.AmountIn)
	}

	start := time.Now()
	quote, err := c.Quote(ctx, inputMint, outputMint, amount, req.SlippageBP)
	if err != nil {
		return executor.PreparedSwap{}, fmt.Errorf("quote %s: %w", req.Mint, err)
	}

	out, err := amountField(quote, "outAmount")
	if err != nil {
		return executor.PreparedSwap{}, err
	}
	if out == 0 {
		return executor.PreparedSwap{}, fmt.Errorf("zero outAmount for %s: no liquidity", req.Mint)
	}

	var expectedOut, price float64
	if req.Side == executor.SideBuy {
		expectedOut = float64(out) // tokens, base units
		price = req.AmountIn / expectedOut
	} else {
		expectedOut = float64(out) / lamportsPerSOL // SOL
		price = expectedOut / req.AmountIn
	}

	tx, err := c.BuildSwap(ctx, quote)
	if err != nil {
		return executor.PreparedSwap{}, fmt.Errorf("build swap %s: %w", req.Mint, err)
	}

	c.logger.Debug("Swap prepared",
		zap.String("mint", req.Mint),
		zap.String("side", string(req.Side)),
		zap.Float64("expected_out", expectedOut),
		zap.Float64("price", price),
		zap.Duration("took", time.Since(start)))

	return executor.PreparedSwap{Transaction: tx, ExpectedOut: expectedOut, Price: price}, nil
}

// PriceOf implements the position watcher's quote source: probe a sell of
// probeAmount base units and report the realized SOL per unit. A routeless
// token maps to ErrPriceUnavailable so the watcher skips the tick quietly.
func (c *Client) PriceOf(ctx context.Context, mint string, probeAmount float64) (position.Quote, error) {
	probe := uint64(math.Round(probeAmount))
	if probe == 0 {
		probe = 1
	}

	quote, err := c.Quote(ctx, mint, wsolMint, probe, 100)
	if err != nil {
		if ctx.Err() != nil {
			return position.Quote{}, ctx.Err()
		}
		return position.Quote{}, fmt.Errorf("%w: %v", position.ErrPriceUnavailable, err)
	}

	out, err := amountField(quote, "outAmount")
	if err != nil || out == 0 {
		return position.Quote{}, fmt.Errorf("%w: empty route for %s", position.ErrPriceUnavailable, mint)
	}

	outSOL := float64(out) / lamportsPerSOL
	return position.Quote{
		Price:     outSOL / float64(probe),
		Liquidity: outSOL,
	}, nil
}

// withRetries runs fn up to the configured attempt count, pausing between
// tries and bailing out as soon as the context dies.
func (c *Client) withRetries(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt < c.attempts {
			c.logger.Debug("Retrying request",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Error(lastErr))
			select {
			case <-time.After(c.pause):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, c.attempts, lastErr)
}

func (c *Client) decodeJSON(req *http.Request, dst *map[string]interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// amountField parses one of the API's stringly-typed amount fields.
func amountField(quote map[string]interface{}, field string) (uint64, error) {
	s, ok := quote[field].(string)
	if !ok {
		return 0, fmt.Errorf("quote has no %s", field)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q: %w", field, s, err)
	}
	return v, nil
}
