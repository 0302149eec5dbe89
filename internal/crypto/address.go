package crypto

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// AddressFromKey derives the account address from a hex-encoded private
// key, with or without the 0x prefix.
func AddressFromKey(privateKeyHex string) (common.Address, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: parsing private key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey), nil
}
