// Package address derives miner identities from Cardano bech32 addresses.
package address

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"

	"github.com/bardlex/tunapool/pkg/errors"
)

// HashSize is the length of a Cardano key hash.
const HashSize = 28

// Shelley address header types (high nibble of the first byte).
const (
	typeBaseKeyKey       = 0x0
	typeBaseScriptKey    = 0x1
	typeBaseKeyScript    = 0x2
	typeBaseScriptBoth   = 0x3
	typePointerKey       = 0x4
	typePointerScript    = 0x5
	typeEnterpriseKey    = 0x6
	typeEnterpriseScript = 0x7
	typeRewardKey        = 0xe
	typeRewardScript     = 0xf
)

// Errors returned by PKH.
var (
	ErrNotBech32       = errors.New(errors.ErrorTypeValidation, "parse_address", "address is not valid bech32")
	ErrUnsupported     = errors.New(errors.ErrorTypeValidation, "parse_address", "unsupported address type")
	ErrScriptAddress   = errors.New(errors.ErrorTypeValidation, "parse_address", "address has no key hash credential")
	ErrAddressTooShort = errors.New(errors.ErrorTypeValidation, "parse_address", "address payload too short")
)

// PKH returns the hex key hash identifying the owner of addr: the payment key hash for base,
// pointer and enterprise addresses, or the staking key hash for reward addresses. An address
// whose leading credential is a script is rejected.
func PKH(addr string) (string, error) {
	hrp, data, err := bech32.DecodeNoLimit(strings.TrimSpace(addr))
	if err != nil {
		return "", ErrNotBech32
	}
	if hrp != "addr" && hrp != "addr_test" && hrp != "stake" && hrp != "stake_test" {
		return "", ErrUnsupported
	}
	payload, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", ErrNotBech32
	}
	if len(payload) < 1+HashSize {
		return "", ErrAddressTooShort
	}

	switch payload[0] >> 4 {
	case typeBaseKeyKey, typeBaseKeyScript, typePointerKey, typeEnterpriseKey, typeRewardKey:
		return hex.EncodeToString(payload[1 : 1+HashSize]), nil
	case typeBaseScriptKey, typeBaseScriptBoth, typePointerScript, typeEnterpriseScript, typeRewardScript:
		return "", ErrScriptAddress
	default:
		return "", ErrUnsupported
	}
}
