//go:build windows

package filestore

import (
	"errors"
	"syscall"

	"github.com/agenthands/blobstore/pkg/core"
)

const (
	errorSharingViolation syscall.Errno = 32
	errorLockViolation    syscall.Errno = 33
)

func isSharingViolation(err error) bool {
	return errors.Is(err, errorSharingViolation) || errors.Is(err, errorLockViolation) || errors.Is(err, core.ErrTransient)
}
