// internal/executor/decorate.go
package executor

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/programs/system"
)

// tipAccounts are the accepted tip destinations of the private sender.
// One is picked at random per submission to spread writes.
var tipAccounts = []string{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVNa1xJZmCkrhGnVw6nNYS",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSokTSzL1zt6iGPaS49",
	"DfXygSm4jCyNCybVYYK6DwvWqjKee8pbDmJGcLWNDXjh",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

func randomTipAccount() solana.PublicKey {
	return solana.MustPublicKeyFromBase58(tipAccounts[rand.Intn(len(tipAccounts))])
}

// attachTip appends a system transfer from the fee payer to a tip account.
// The swap provider hands back compiled transactions, so the transfer is
// spliced into the compiled message directly.
func attachTip(tx *solana.Transaction, from solana.PublicKey, lamports uint64) error {
	inst := system.NewTransferInstruction(lamports, from, randomTipAccount()).Build()
	return appendInstruction(&tx.Message, inst)
}

// attachPriorityFee prepends a compute-unit price instruction for the
// public path.
func attachPriorityFee(tx *solana.Transaction, microLamports uint64) error {
	inst := computebudget.NewSetComputeUnitPriceInstruction(microLamports).Build()
	return prependInstruction(&tx.Message, inst)
}

func appendInstruction(msg *solana.Message, inst solana.Instruction) error {
	ci, err := compileInstruction(msg, inst)
	if err != nil {
		return err
	}
	msg.Instructions = append(msg.Instructions, ci)
	return nil
}

func prependInstruction(msg *solana.Message, inst solana.Instruction) error {
	ci, err := compileInstruction(msg, inst)
	if err != nil {
		return err
	}
	msg.Instructions = append([]solana.CompiledInstruction{ci}, msg.Instructions...)
	return nil
}

// compileInstruction resolves an instruction against the message's account
// table, growing the table where needed. Signatures are invalidated, so the
// transaction must be (re)signed afterwards.
func compileInstruction(msg *solana.Message, inst solana.Instruction) (solana.CompiledInstruction, error) {
	if len(msg.AddressTableLookups) > 0 {
		return solana.CompiledInstruction{}, errors.New("cannot extend a transaction that uses address table lookups")
	}

	// First make sure every key is in the table, then resolve indices:
	// insertion patches existing instruction indices, so lookups must
	// come after all inserts.
	for _, meta := range inst.Accounts() {
		if err := ensureAccount(msg, meta.PublicKey, meta.IsWritable, meta.IsSigner); err != nil {
			return solana.CompiledInstruction{}, err
		}
	}
	if err := ensureAccount(msg, inst.ProgramID(), false, false); err != nil {
		return solana.CompiledInstruction{}, err
	}

	data, err := inst.Data()
	if err != nil {
		return solana.CompiledInstruction{}, fmt.Errorf("encode instruction: %w", err)
	}
	accounts := make([]uint16, 0, len(inst.Accounts()))
	for _, meta := range inst.Accounts() {
		idx, err := accountIndex(msg, meta.PublicKey)
		if err != nil {
			return solana.CompiledInstruction{}, err
		}
		accounts = append(accounts, idx)
	}
	progIdx, err := accountIndex(msg, inst.ProgramID())
	if err != nil {
		return solana.CompiledInstruction{}, err
	}

	return solana.CompiledInstruction{
		ProgramIDIndex: progIdx,
		Accounts:       accounts,
		Data:           data,
	}, nil
}

// ensureAccount inserts key into the message's account table, keeping the
// signer / writable / read-only segment layout intact. Keys already present
// are left where they are. New signers are rejected: a key we cannot sign
// for would make the transaction unsendable.
func ensureAccount(msg *solana.Message, key solana.PublicKey, writable, signer bool) error {
	for _, k := range msg.AccountKeys {
		if k.Equals(key) {
			return nil
		}
	}
	if signer {
		return fmt.Errorf("signer %s is not part of the transaction", key)
	}

	var pos int
	if writable {
		// Writable non-signers sit between the signer block and the
		// read-only tail.
		pos = len(msg.AccountKeys) - int(msg.Header.NumReadonlyUnsignedAccounts)
	} else {
		pos = len(msg.AccountKeys)
		msg.Header.NumReadonlyUnsignedAccounts++
	}

	msg.AccountKeys = append(msg.AccountKeys, solana.PublicKey{})
	copy(msg.AccountKeys[pos+1:], msg.AccountKeys[pos:])
	msg.AccountKeys[pos] = key

	// Shift compiled indices at or past the insertion point.
	for i := range msg.Instructions {
		in := &msg.Instructions[i]
		if int(in.ProgramIDIndex) >= pos {
			in.ProgramIDIndex++
		}
		for j, a := range in.Accounts {
			if int(a) >= pos {
				in.Accounts[j] = a + 1
			}
		}
	}
	return nil
}

func accountIndex(msg *solana.Message, key solana.PublicKey) (uint16, error) {
	for i, k := range msg.AccountKeys {
		if k.Equals(key) {
			return uint16(i), nil
		}
	}
	return 0, fmt.Errorf("account %s missing from transaction", key)
}
