// internal/app/venues.go
package app

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/rovshanmuradov/sniper-core/internal/discovery"
)

// venues maps a launch venue name from the config to the program whose logs
// announce new pools, plus the log line that marks a creation as opposed to
// an ordinary swap.
var venues = map[string]discovery.ProgramFilter{
	"pumpfun": {
		Name:    "pumpfun",
		Program: solana.MustPublicKeyFromBase58("6EF8rrecthR5Dkzon8Nwu78hRvfCKubJ14M5uBEwF6P"),
		Marker:  "Program log: Instruction: Create",
	},
	"raydium": {
		Name:    "raydium",
		Program: solana.MustPublicKeyFromBase58("675kPX9MHTjS2zt1qfr1NYHuzeLXfQM9H24wFSUt1Mp8"),
		Marker:  "initialize2",
	},
	"pumpswap": {
		Name:    "pumpswap",
		Program: solana.MustPublicKeyFromBase58("pAMMBay6oceH9fJKBRHGP5D4bD4sWpmSwMn52FMfXEA"),
		Marker:  "Program log: Instruction: CreatePool",
	},
}

func venueFilters(names []string) ([]discovery.ProgramFilter, error) {
	filters := make([]discovery.ProgramFilter, 0, len(names))
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		filter, ok := venues[key]
		if !ok {
			return nil, fmt.Errorf("unknown launch venue %q", name)
		}
		filters = append(filters, filter)
	}
	return filters, nil
}
