package core

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// IoHashSize is the digest length in bytes: BLAKE3 truncated to 160 bits.
const IoHashSize = 20

// IoHash is the content hash stored alongside refs and used to key Jupiter
// attachments.
type IoHash [IoHashSize]byte

// ComputeIoHash hashes data.
func ComputeIoHash(data []byte) IoHash {
	sum := blake3.Sum256(data)
	var h IoHash
	copy(h[:], sum[:IoHashSize])
	return h
}

// ParseIoHash decodes a 40 character hex string.
func ParseIoHash(s string) (IoHash, error) {
	var h IoHash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("%w: parsing hash %q: %v", ErrInvalidInput, s, err)
	}
	if len(decoded) != IoHashSize {
		return h, fmt.Errorf("%w: hash %q is %d bytes, want %d", ErrInvalidInput, s, len(decoded), IoHashSize)
	}
	copy(h[:], decoded)
	return h, nil
}

func (h IoHash) String() string { return hex.EncodeToString(h[:]) }

// IsZero reports whether h is the zero hash.
func (h IoHash) IsZero() bool { return h == IoHash{} }

func (h IoHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

func (h *IoHash) UnmarshalText(text []byte) error {
	parsed, err := ParseIoHash(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
