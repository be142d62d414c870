package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// RefNameSeparator splits hierarchical ref names and locator prefixes.
const RefNameSeparator = "/"

// BlobLocator identifies one immutable blob within a backend. Its format is
// backend specific: File, Memory and HTTP use random tokens optionally
// namespaced by a prefix, Jupiter uses "<hash>.bin" or "<hash>.obj".
type BlobLocator string

func (l BlobLocator) String() string { return string(l) }

// IsEmpty reports whether the locator is unset.
func (l BlobLocator) IsEmpty() bool { return l == "" }

// NewUniqueLocator mints a fresh locator, optionally under prefix.
func NewUniqueLocator(prefix string) BlobLocator {
	var buf [12]byte
	_, _ = rand.Read(buf[:])
	id := hex.EncodeToString(buf[:])

	prefix = strings.Trim(prefix, RefNameSeparator)
	if prefix == "" {
		return BlobLocator(id)
	}
	return BlobLocator(prefix + RefNameSeparator + id)
}

// ValidateLocator checks that a locator can be used as a relative path and a
// URL path suffix.
func ValidateLocator(l BlobLocator) error {
	if err := validatePath(string(l)); err != nil {
		return fmt.Errorf("%w: locator %q: %v", ErrInvalidInput, l, err)
	}
	return nil
}

// RefName is a hierarchical, mutable pointer name such as "builds/main".
type RefName string

func (n RefName) String() string { return string(n) }

// ValidateRefName applies the same character rules as locators.
func ValidateRefName(n RefName) error {
	if err := validatePath(string(n)); err != nil {
		return fmt.Errorf("%w: ref name %q: %v", ErrInvalidInput, n, err)
	}
	return nil
}

func validatePath(s string) error {
	if s == "" {
		return fmt.Errorf("empty")
	}
	for _, segment := range strings.Split(s, RefNameSeparator) {
		switch segment {
		case "":
			return fmt.Errorf("empty path segment")
		case ".", "..":
			return fmt.Errorf("relative path segment %q", segment)
		}
		for _, c := range segment {
			if !isPathChar(c) {
				return fmt.Errorf("invalid character %q", c)
			}
		}
	}
	return nil
}

func isPathChar(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-', c == '_', c == '.', c == '+', c == '@':
		return true
	}
	return false
}

// HashedBlobRefValue is the (content hash, locator) pair a ref designates.
type HashedBlobRefValue struct {
	Hash    IoHash      `json:"hash"`
	Locator BlobLocator `json:"target"`
}

func (v HashedBlobRefValue) String() string {
	return v.Hash.String() + "@" + string(v.Locator)
}

// RefOptions sets how long a ref lives. A zero Lifetime never expires.
type RefOptions struct {
	Lifetime time.Duration
	// Extend restarts the lifetime each time the ref is read.
	Extend bool
}

// BlobAliasLocator is one entry registered under an alias key.
type BlobAliasLocator struct {
	Locator BlobLocator `json:"blob"`
	Rank    int         `json:"rank"`
	Data    []byte      `json:"data,omitempty"`
}
