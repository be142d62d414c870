package jupiter

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/fxamacker/cbor/v2"
)

// objectDocument wraps a blob that has imports. Attachment CIDs are sorted
// and deduplicated, so the encoding does not depend on import order.
type objectDocument struct {
	Data []byte   `cbor:"data"`
	Bin  [][]byte `cbor:"bin,omitempty"`
	Obj  [][]byte `cbor:"obj,omitempty"`
}

// refDocument is the body of a ref. Target is an attachment CID.
type refDocument struct {
	Target []byte `cbor:"tgt"`
	Hash   []byte `cbor:"hash,omitempty"`
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	encMode = em
}

func encodeObject(data []byte, imports []Attachment) ([]byte, error) {
	doc := objectDocument{Data: data}
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	for _, imp := range imports {
		c, err := imp.CID()
		if err != nil {
			return nil, err
		}
		switch imp.Kind {
		case KindBinary:
			doc.Bin = append(doc.Bin, c.Bytes())
		case KindObject:
			doc.Obj = append(doc.Obj, c.Bytes())
		default:
			return nil, fmt.Errorf("%w: import has unknown kind %v", core.ErrInvalidInput, imp.Kind)
		}
	}
	doc.Bin = sortedUnique(doc.Bin)
	doc.Obj = sortedUnique(doc.Obj)
	return encMode.Marshal(doc)
}

func decodeObject(b []byte) ([]byte, []Attachment, error) {
	var doc objectDocument
	if err := cbor.Unmarshal(b, &doc); err != nil {
		return nil, nil, fmt.Errorf("%w: failed to unmarshal object: %v", core.ErrProtocol, err)
	}

	imports := make([]Attachment, 0, len(doc.Bin)+len(doc.Obj))
	for _, group := range []struct {
		kind Kind
		cids [][]byte
	}{{KindBinary, doc.Bin}, {KindObject, doc.Obj}} {
		for i, raw := range group.cids {
			a, err := attachmentFromCID(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("%s attachment %d: %w", group.kind, i, err)
			}
			if a.Kind != group.kind {
				return nil, nil, fmt.Errorf("%w: %s attachment %d is tagged %s", core.ErrProtocol, group.kind, i, a.Kind)
			}
			imports = append(imports, a)
		}
	}
	if doc.Data == nil {
		doc.Data = []byte{}
	}
	return doc.Data, imports, nil
}

func encodeRef(value core.HashedBlobRefValue) ([]byte, error) {
	target, err := ParseLocator(value.Locator)
	if err != nil {
		return nil, err
	}
	c, err := target.CID()
	if err != nil {
		return nil, err
	}
	doc := refDocument{Target: c.Bytes()}
	if !value.Hash.IsZero() {
		doc.Hash = value.Hash[:]
	}
	return encMode.Marshal(doc)
}

func decodeRef(b []byte) (core.HashedBlobRefValue, error) {
	var doc refDocument
	if err := cbor.Unmarshal(b, &doc); err != nil {
		return core.HashedBlobRefValue{}, fmt.Errorf("%w: failed to unmarshal ref: %v", core.ErrProtocol, err)
	}
	if len(doc.Target) == 0 {
		return core.HashedBlobRefValue{}, fmt.Errorf("%w: ref has no target", core.ErrProtocol)
	}
	target, err := attachmentFromCID(doc.Target)
	if err != nil {
		return core.HashedBlobRefValue{}, err
	}

	value := core.HashedBlobRefValue{Locator: target.Locator()}
	switch len(doc.Hash) {
	case 0:
	case core.IoHashSize:
		copy(value.Hash[:], doc.Hash)
	default:
		return core.HashedBlobRefValue{}, fmt.Errorf("%w: ref hash has %d bytes", core.ErrProtocol, len(doc.Hash))
	}
	return value, nil
}

func sortedUnique(cids [][]byte) [][]byte {
	slices.SortFunc(cids, bytes.Compare)
	return slices.CompactFunc(cids, bytes.Equal)
}
