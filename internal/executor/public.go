// internal/executor/public.go
package executor

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// TransactionSender is the slice of the RPC client the public path needs.
type TransactionSender interface {
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// PublicSender pushes transactions through ordinary RPC. Preflight is
// skipped: the quote already validated the route and preflight costs a slot.
type PublicSender struct {
	rpc      TransactionSender
	logger   *zap.Logger
	attempts int
}

func NewPublicSender(sender TransactionSender, logger *zap.Logger) *PublicSender {
	return &PublicSender{
		rpc:      sender,
		logger:   logger.Named("public_sender"),
		attempts: 3,
	}
}

// Method identifies this submitter's path.
func (s *PublicSender) Method() Method { return MethodRPC }

// Submit sends with up to three quick attempts; back-to-back sends of the
// same signed transaction are idempotent on the cluster side.
func (s *PublicSender) Submit(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	var lastErr error
	for i := 0; i < s.attempts; i++ {
		sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
			SkipPreflight:       true,
			PreflightCommitment: rpc.CommitmentProcessed,
		})
		if err == nil {
			return sig, nil
		}
		lastErr = err
		s.logger.Warn("Public send attempt failed",
			zap.Int("attempt", i+1),
			zap.Error(err))

		if i < s.attempts-1 {
			select {
			case <-ctx.Done():
				return solana.Signature{}, ctx.Err()
			case <-time.After(time.Duration(50*(i+1)) * time.Millisecond):
			}
		}
	}
	return solana.Signature{}, lastErr
}
