package speechcache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/MrWong99/talkinghead/pkg/types"
)

// Key identifies one cached line. Keys are lowercase hex strings and safe to
// use as file names.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string { return string(k) }

// Hasher derives cache keys. Identical (text, character, expression) inputs
// must always produce identical keys.
type Hasher interface {
	Hash(text, characterID string, expr types.Expression) Key
}

// SHA256Hasher hashes normalised text, character ID and expression with SHA-256.
// Version is mixed into every key; bump it to invalidate a cache after an
// engine or model change.
type SHA256Hasher struct {
	Version string
}

// Hash implements Hasher.
func (h SHA256Hasher) Hash(text, characterID string, expr types.Expression) Key {
	d := sha256.New()
	writeField(d, h.Version)
	writeField(d, NormalizeText(text))
	writeField(d, characterID)
	writeField(d, expr.String())
	return Key(hex.EncodeToString(d.Sum(nil)))
}

// writeField writes a length-prefixed field so that field boundaries cannot
// be forged by the field contents.
func writeField(d hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	d.Write(n[:])
	d.Write([]byte(s))
}

// NormalizeText trims the text and collapses runs of whitespace so that
// cosmetic differences do not produce distinct cache entries.
func NormalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var _ Hasher = SHA256Hasher{}
