// internal/executor/jito.go
package executor

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// JitoClient submits signed transactions to a block-engine style sender
// endpoint over plain JSON-RPC. The router attaches the tip before signing;
// untipped transactions are dropped by the endpoint.
type JitoClient struct {
	endpoint string
	http     *http.Client
	logger   *zap.Logger
}

func NewJitoClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *JitoClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &JitoClient{
		endpoint: endpoint,
		http:     httpClient,
		logger:   logger.Named("jito"),
	}
}

// Method identifies this submitter's path.
func (c *JitoClient) Method() Method { return MethodJito }

// Submit sends one base64-encoded transaction and returns its signature.
// Acceptance is not confirmation; the router still waits for the signature
// to land.
func (c *JitoClient) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("marshal transaction: %w", err)
	}

	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sendTransaction",
		"params": []interface{}{
			base64.StdEncoding.EncodeToString(raw),
			map[string]interface{}{"encoding": "base64"},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sender unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return solana.Signature{}, fmt.Errorf("sender status %d", resp.StatusCode)
	}

	var out struct {
		Result string `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return solana.Signature{}, fmt.Errorf("decode sender response: %w", err)
	}
	if out.Error != nil {
		return solana.Signature{}, fmt.Errorf("sender rejected: %s (code %d)", out.Error.Message, out.Error.Code)
	}

	sig, err := solana.SignatureFromBase58(out.Result)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("bad signature in sender response: %w", err)
	}

	c.logger.Debug("Transaction accepted by sender", zap.String("signature", sig.String()))
	return sig, nil
}
