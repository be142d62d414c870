//go:build !windows

package filestore

import (
	"errors"
	"syscall"

	"github.com/agenthands/blobstore/pkg/core"
)

func isSharingViolation(err error) bool {
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.ETXTBSY) || errors.Is(err, core.ErrTransient)
}
