package swap

import (
	"regexp"
	"strings"

	"github.com/mr-tron/base58"
)

var evmAddress = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)

// ValidAddress checks address against the format of the chain named
// chainName. Solana takes a base58 encoded 32 byte key; every other chain
// takes a hex EVM address.
func ValidAddress(address, chainName string) bool {
	if strings.EqualFold(chainName, "solana") {
		return validSolana(address)
	}
	return evmAddress.MatchString(address)
}

func validSolana(address string) bool {
	if address == "" || strings.HasPrefix(address, "0x") {
		return false
	}
	decoded, err := base58.Decode(address)
	if err != nil {
		return false
	}
	return len(decoded) == 32
}
