package blobstore

import (
	"github.com/agenthands/blobstore/pkg/core"
)

var (
	ErrNotFound      = core.ErrNotFound
	ErrAlreadyExists = core.ErrAlreadyExists
	ErrUnsupported   = core.ErrUnsupported
	ErrTransient     = core.ErrTransient
	ErrProtocol      = core.ErrProtocol
	ErrInvalidInput  = core.ErrInvalidInput
)
