// Package rawdb implements the on-disk key-value schema of §6 "Persisted
// DB layout": headers, bodies, canonical lookups, and total difficulty,
// addressed through a pluggable KeyValueStore.
package rawdb

import (
	"encoding/binary"

	"github.com/ethereum/go-ethereum/common"
)

var (
	headerPrefix       = []byte("h")
	bodyPrefix         = []byte("b")
	headerHashPrefix   = []byte("H")
	headerNumberPrefix = []byte("n")
	tdPrefix           = []byte("t")

	headHeaderKey = []byte("LastHeader")
	headBlockKey  = []byte("LastBlock")
	headsKey      = []byte("heads")
)

func encodeNumber(number uint64) []byte {
	enc := make([]byte, 8)
	binary.BigEndian.PutUint64(enc, number)
	return enc
}

func decodeNumber(enc []byte) uint64 {
	return binary.BigEndian.Uint64(enc)
}

// headerKey = headerPrefix ‖ number(8 BE) ‖ hash
func headerKey(number uint64, hash common.Hash) []byte {
	return append(append(headerPrefix, encodeNumber(number)...), hash.Bytes()...)
}

// bodyKey = bodyPrefix ‖ number(8 BE) ‖ hash
func bodyKey(number uint64, hash common.Hash) []byte {
	return append(append(bodyPrefix, encodeNumber(number)...), hash.Bytes()...)
}

// hashToNumberKey = headerHashPrefix ‖ hash; value is the number (8 BE).
func hashToNumberKey(hash common.Hash) []byte {
	return append(headerHashPrefix, hash.Bytes()...)
}

// numberToHashKey = headerNumberPrefix ‖ number(8 BE); value is the
// canonical hash at that number.
func numberToHashKey(number uint64) []byte {
	return append(headerNumberPrefix, encodeNumber(number)...)
}

// tdKey = tdPrefix ‖ number(8 BE) ‖ hash
func tdKey(number uint64, hash common.Hash) []byte {
	return append(append(tdPrefix, encodeNumber(number)...), hash.Bytes()...)
}
