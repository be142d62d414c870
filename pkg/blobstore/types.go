package blobstore

import (
	"github.com/agenthands/blobstore/pkg/core"
)

type BlobLocator = core.BlobLocator
type RefName = core.RefName
type IoHash = core.IoHash
type HashedBlobRefValue = core.HashedBlobRefValue
type RefOptions = core.RefOptions
type BlobAliasLocator = core.BlobAliasLocator
type WriteRequest = core.WriteRequest
type UpdateMetadataRequest = core.UpdateMetadataRequest
type AddAliasRequest = core.AddAliasRequest
type RemoveAliasRequest = core.RemoveAliasRequest
type AddRefRequest = core.AddRefRequest
type RemoveRefRequest = core.RemoveRefRequest
type Stats = core.Stats
type StatusError = core.StatusError

type Config = core.Config
type FileConfig = core.FileConfig
type HTTPConfig = core.HTTPConfig
type JupiterConfig = core.JupiterConfig
type IndexedConfig = core.IndexedConfig
type TransformConfig = core.TransformConfig

// ToEnd reads to the end of a blob.
const ToEnd = core.ToEnd

// Backend is the storage contract every backend implements.
type Backend = core.Backend

// Store is an opened backend. Close releases files or databases it holds
// and is a no-op for backends that hold none.
type Store interface {
	core.Backend
	Close() error
}

var (
	ComputeIoHash    = core.ComputeIoHash
	ParseIoHash      = core.ParseIoHash
	NewUniqueLocator = core.NewUniqueLocator
)
