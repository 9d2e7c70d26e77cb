package cache

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Key identifies a cached statement/parameter pair.
//
// Keys are BLAKE2b-256 digests, so two different statements colliding on the
// same key is not a practical concern and no collision fallback exists.
type Key [blake2b.Size256]byte

// String returns the hex form of the key, suitable for logs.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}

// NormalizeStatement collapses whitespace runs to a single space and
// lowercases the statement so that formatting differences share a key.
//
// Example:
//
//	NormalizeStatement("SELECT *\n  FROM Users") // "select * from users"
func NormalizeStatement(statement string) string {
	return strings.ToLower(strings.Join(strings.Fields(statement), " "))
}

// MakeKey derives the cache key for a statement and its parameters.
//
// The statement is normalized first. Parameters are serialized as JSON so
// that 1 and "1" produce different keys; values JSON cannot encode fall back
// to their Go syntax representation.
func MakeKey(statement string, params []interface{}) Key {
	normalized := NormalizeStatement(statement)
	encoded := serializeParams(params)

	buf := make([]byte, 0, binary.MaxVarintLen64+len(normalized)+len(encoded))
	buf = binary.AppendUvarint(buf, uint64(len(normalized)))
	buf = append(buf, normalized...)
	buf = append(buf, encoded...)
	return blake2b.Sum256(buf)
}

func serializeParams(params []interface{}) []byte {
	if len(params) == 0 {
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return []byte(fmt.Sprintf("%#v", params))
	}
	return data
}
