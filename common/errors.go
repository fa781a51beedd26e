package common

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	ErrNoMem   = errors.New("out of memory")
	ErrIO      = errors.New("i/o error")
	ErrInvalid = errors.New("invalid argument")
	ErrFault   = errors.New("bad address")
	ErrRange   = errors.New("range beyond end of device")
	ErrNotTTY  = errors.New("inappropriate ioctl for device")
	ErrBadFile = errors.New("bad file descriptor")
)

// Errno maps err onto the errno a system call would report for it. A nil
// error maps to 0; anything outside the taxonomy is an I/O error.
func Errno(err error) unix.Errno {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrNoMem):
		return unix.ENOMEM
	case errors.Is(err, ErrInvalid):
		return unix.EINVAL
	case errors.Is(err, ErrFault):
		return unix.EFAULT
	case errors.Is(err, ErrNotTTY):
		return unix.ENOTTY
	case errors.Is(err, ErrBadFile):
		return unix.EBADF
	}
	// ErrRange and device failures both surface as EIO, like the write
	// preparation path does.
	return unix.EIO
}
