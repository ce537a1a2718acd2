// internal/blockchain/solbc/client.go
package solbc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"

	"github.com/rovshanmuradov/sniper-core/internal/discovery"
	"github.com/rovshanmuradov/sniper-core/internal/executor"
)

// rpcAPI is the slice of the solana-go client the adapter touches. Tests
// substitute a scripted fake.
type rpcAPI interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
	GetSignatureStatuses(ctx context.Context, searchHistory bool, sigs ...solana.Signature) (*rpc.GetSignatureStatusesResult, error)
	GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error)
	GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error)
}

// errNotLanded keeps the confirmation poll going.
var errNotLanded = errors.New("signature not yet confirmed")

// Config tunes the confirmation poll.
type Config struct {
	ConfirmTimeout time.Duration
	PollInitial    time.Duration
	PollMax        time.Duration
}

func (c *Config) setDefaults() {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 30 * time.Second
	}
	if c.PollInitial <= 0 {
		c.PollInitial = 200 * time.Millisecond
	}
	if c.PollMax <= 0 {
		c.PollMax = 500 * time.Millisecond
	}
}

// Client is a thin adapter over the Solana RPC node: submission, status
// polling, fee samples and transaction lookups, each logged.
type Client struct {
	rpc    rpcAPI
	cfg    Config
	logger *zap.Logger
}

func NewClient(rpcURL string, cfg Config, logger *zap.Logger) *Client {
	return newClient(rpc.New(rpcURL), cfg, logger)
}

func newClient(api rpcAPI, cfg Config, logger *zap.Logger) *Client {
	cfg.setDefaults()
	return &Client{
		rpc:    api,
		cfg:    cfg,
		logger: logger.Named("solbc"),
	}
}

// GetRecentBlockhash fetches the latest finalized blockhash. Doubles as the
// startup health probe.
func (c *Client) GetRecentBlockhash(ctx context.Context) (solana.Hash, error) {
	result, err := c.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		c.logger.Error("GetRecentBlockhash error", zap.Error(err))
		return solana.Hash{}, err
	}
	return result.Value.Blockhash, nil
}

// WalletBalance reports the lamport balance at confirmed commitment.
func (c *Client) WalletBalance(ctx context.Context, pubkey solana.PublicKey) (uint64, error) {
	result, err := c.rpc.GetBalance(ctx, pubkey, rpc.CommitmentConfirmed)
	if err != nil {
		c.logger.Error("GetBalance error", zap.Error(err))
		return 0, err
	}
	return result.Value, nil
}

// SendTransactionWithOpts submits a signed transaction.
func (c *Client) SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error) {
	sig, err := c.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		c.logger.Error("SendTransaction error", zap.Error(err))
		return solana.Signature{}, err
	}
	return sig, nil
}

// GetRecentPrioritizationFees feeds the congestion estimator.
func (c *Client) GetRecentPrioritizationFees(ctx context.Context, accounts solana.PublicKeySlice) ([]rpc.PriorizationFeeResult, error) {
	fees, err := c.rpc.GetRecentPrioritizationFees(ctx, accounts)
	if err != nil {
		c.logger.Debug("GetRecentPrioritizationFees error", zap.Error(err))
		return nil, err
	}
	return fees, nil
}

// GetTransaction resolves a signature into the full transaction.
func (c *Client) GetTransaction(ctx context.Context, sig solana.Signature, opts *rpc.GetTransactionOpts) (*rpc.GetTransactionResult, error) {
	res, err := c.rpc.GetTransaction(ctx, sig, opts)
	if err != nil {
		c.logger.Debug("GetTransaction error",
			zap.String("signature", sig.String()),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

// WaitForSignature polls until the signature reaches confirmed or finalized
// commitment. An on-chain execution error stops the poll immediately; a
// signature the node has not seen yet keeps it going until ConfirmTimeout.
func (c *Client) WaitForSignature(ctx context.Context, sig solana.Signature) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.PollInitial
	policy.MaxInterval = c.cfg.PollMax

	op := func() (struct{}, error) {
		statuses, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
		if err != nil {
			return struct{}{}, fmt.Errorf("signature status: %w", err)
		}
		if len(statuses.Value) == 0 || statuses.Value[0] == nil {
			return struct{}{}, errNotLanded
		}
		status := statuses.Value[0]
		if status.Err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("transaction failed on chain: %v", status.Err))
		}
		switch status.ConfirmationStatus {
		case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
			return struct{}{}, nil
		}
		return struct{}{}, errNotLanded
	}

	if _, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(c.cfg.ConfirmTimeout)); err != nil {
		return fmt.Errorf("confirm %s: %w", sig, err)
	}

	c.logger.Debug("Signature confirmed", zap.String("signature", sig.String()))
	return nil
}

var (
	_ executor.TransactionSender   = (*Client)(nil)
	_ executor.RecentFeeSource     = (*Client)(nil)
	_ executor.Confirmer           = (*Client)(nil)
	_ discovery.TransactionFetcher = (*Client)(nil)
)
