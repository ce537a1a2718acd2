// internal/wallet/wallet.go
package wallet

import (
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"

	"github.com/rovshanmuradov/sniper-core/internal/executor"
)

// Wallet holds the trading keypair. The private key never leaves this
// package; String prints only the public side.
type Wallet struct {
	privateKey solana.PrivateKey
	publicKey  solana.PublicKey
}

// New builds a wallet from a base58-encoded 64-byte private key.
func New(privateKeyBase58 string) (*Wallet, error) {
	privateKeyBytes, err := base58.Decode(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(privateKeyBytes) != 64 {
		return nil, fmt.Errorf("invalid private key length: expected 64 bytes, got %d", len(privateKeyBytes))
	}
	privateKey := solana.PrivateKey(privateKeyBytes)
	return &Wallet{
		privateKey: privateKey,
		publicKey:  privateKey.PublicKey(),
	}, nil
}

// PublicKey reports the wallet address.
func (w *Wallet) PublicKey() solana.PublicKey {
	return w.publicKey
}

// Sign signs every slot of the transaction that names this wallet.
func (w *Wallet) Sign(tx *solana.Transaction) error {
	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(w.publicKey) {
			return &w.privateKey
		}
		return nil
	}); err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

func (w *Wallet) String() string {
	return w.publicKey.String()
}

var _ executor.Signer = (*Wallet)(nil)
