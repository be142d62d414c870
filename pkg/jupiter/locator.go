package jupiter

import (
	"fmt"
	"strings"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

// Kind tells a decoder how to interpret an attachment.
type Kind int

const (
	// KindBinary is an opaque byte blob.
	KindBinary Kind = iota + 1
	// KindObject is a compact-binary document with its own attachments.
	KindObject
)

const (
	binarySuffix = ".bin"
	objectSuffix = ".obj"
)

func (k Kind) String() string {
	switch k {
	case KindBinary:
		return "binary"
	case KindObject:
		return "object"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func (k Kind) suffix() string {
	if k == KindObject {
		return objectSuffix
	}
	return binarySuffix
}

func (k Kind) codec() uint64 {
	if k == KindObject {
		return cid.DagCBOR
	}
	return cid.Raw
}

// Attachment is a typed reference to a stored blob.
type Attachment struct {
	Kind Kind
	Hash core.IoHash
}

// ParseLocator classifies a "<hash>.bin" or "<hash>.obj" locator.
func ParseLocator(locator core.BlobLocator) (Attachment, error) {
	s := string(locator)
	var kind Kind
	switch {
	case strings.HasSuffix(s, binarySuffix):
		kind = KindBinary
	case strings.HasSuffix(s, objectSuffix):
		kind = KindObject
	default:
		return Attachment{}, fmt.Errorf("%w: %q is not a jupiter locator", core.ErrInvalidInput, locator)
	}
	hash, err := core.ParseIoHash(s[:len(s)-len(binarySuffix)])
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: locator %q: %v", core.ErrInvalidInput, locator, err)
	}
	return Attachment{Kind: kind, Hash: hash}, nil
}

func (a Attachment) Locator() core.BlobLocator {
	return core.BlobLocator(a.Hash.String() + a.Kind.suffix())
}

// CID encodes the attachment as a CIDv1: the codec carries the kind and a
// BLAKE3 multihash carries the hash.
func (a Attachment) CID() (cid.Cid, error) {
	mh, err := multihash.Encode(a.Hash[:], multihash.BLAKE3)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to encode multihash: %w", err)
	}
	return cid.NewCidV1(a.Kind.codec(), mh), nil
}

// attachmentFromCID is the inverse of Attachment.CID.
func attachmentFromCID(b []byte) (Attachment, error) {
	c, err := cid.Cast(b)
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: invalid attachment CID: %v", core.ErrProtocol, err)
	}

	var kind Kind
	switch c.Type() {
	case cid.Raw:
		kind = KindBinary
	case cid.DagCBOR:
		kind = KindObject
	default:
		return Attachment{}, fmt.Errorf("%w: unexpected attachment codec 0x%x", core.ErrProtocol, c.Type())
	}

	decoded, err := multihash.Decode(c.Hash())
	if err != nil {
		return Attachment{}, fmt.Errorf("%w: invalid attachment multihash: %v", core.ErrProtocol, err)
	}
	if decoded.Code != multihash.BLAKE3 || len(decoded.Digest) != core.IoHashSize {
		return Attachment{}, fmt.Errorf("%w: unexpected attachment hash (code 0x%x, %d bytes)", core.ErrProtocol, decoded.Code, len(decoded.Digest))
	}

	a := Attachment{Kind: kind}
	copy(a.Hash[:], decoded.Digest)
	return a, nil
}
