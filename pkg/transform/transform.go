package transform

import (
	"fmt"

	"github.com/agenthands/blobstore/pkg/core"
	"github.com/klauspost/compress/zstd"
)

const (
	Magic   = "BLOB"
	Version = 1
)

const (
	FlagCompressed = 1 << 0
)

const (
	AlgZstd = 1
)

const headerSize = len(Magic) + 3

// Transform encodes blob bytes before they reach disk.
type Transform interface {
	Name() string
	Encode(plain []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}

// FromConfig builds the transform named by cfg. An empty name means none.
func FromConfig(cfg core.TransformConfig) (Transform, error) {
	switch cfg.Name {
	case "", "none":
		return NewNone(), nil
	case "zstd":
		return NewZstd(cfg.ZstdLevel)
	default:
		return nil, fmt.Errorf("%w: unsupported transform %q", core.ErrInvalidInput, cfg.Name)
	}
}

type noneTransform struct{}

func NewNone() Transform {
	return noneTransform{}
}

func (noneTransform) Name() string                         { return "none" }
func (noneTransform) Encode(plain []byte) ([]byte, error)  { return plain, nil }
func (noneTransform) Decode(stored []byte) ([]byte, error) { return stored, nil }

type zstdTransform struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewZstd returns a transform compressing with zstd at the given level
// (1 fastest .. 4 best). Out of range levels use the default.
func NewZstd(level int) (Transform, error) {
	encLevel := zstd.EncoderLevelFromZstd(level)
	if level <= 0 {
		encLevel = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(encLevel))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &zstdTransform{encoder: enc, decoder: dec}, nil
}

func (t *zstdTransform) Name() string { return "zstd" }

func (t *zstdTransform) Encode(plain []byte) ([]byte, error) {
	envelope := make([]byte, 0, headerSize+len(plain)/2)
	envelope = append(envelope, Magic...)
	envelope = append(envelope, Version, FlagCompressed, AlgZstd)
	return t.encoder.EncodeAll(plain, envelope), nil
}

func (t *zstdTransform) Decode(stored []byte) ([]byte, error) {
	if len(stored) < headerSize {
		return nil, fmt.Errorf("%w: stored blob too small for envelope", core.ErrProtocol)
	}
	if string(stored[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("%w: invalid envelope magic", core.ErrProtocol)
	}
	if v := stored[len(Magic)]; v != Version {
		return nil, fmt.Errorf("%w: unsupported envelope version %d", core.ErrProtocol, v)
	}

	flags := stored[len(Magic)+1]
	alg := stored[len(Magic)+2]
	payload := stored[headerSize:]

	if flags&FlagCompressed == 0 {
		return payload, nil
	}
	if alg != AlgZstd {
		return nil, fmt.Errorf("%w: unsupported compression algorithm %d", core.ErrProtocol, alg)
	}
	plain, err := t.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing blob: %v", core.ErrProtocol, err)
	}
	return plain, nil
}
