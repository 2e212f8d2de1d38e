package router

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// DeriveAddress returns the deterministic address of the vault a factory
// creates for symbol: keccak256(0xff ++ factory ++ keccak256(symbol))[12:].
func DeriveAddress(factory common.Address, symbol string) common.Address {
	salt := keccak256([]byte(symbol))
	return common.BytesToAddress(keccak256([]byte{0xff}, factory.Bytes(), salt)[12:])
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}
