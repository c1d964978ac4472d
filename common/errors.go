package common

import "fmt"

type ConstError string

func (err ConstError) Error() string { return string(err) }

const (
	ErrExhausted     ConstError = "no space left on volume"
	ErrCorruptVolume ConstError = "corrupt volume"
	ErrNotFound      ConstError = "not found"
	ErrExists        ConstError = "already exists"
	ErrNotEmpty      ConstError = "directory not empty"
	ErrNotDir        ConstError = "not a directory"
	ErrIsDir         ConstError = "is a directory"
	ErrNotSymlink    ConstError = "not a symlink"
	ErrNameTooLong   ConstError = "name too long"
	ErrInvalidName   ConstError = "invalid name"
	ErrInvalid       ConstError = "invalid argument"
	ErrFileTooLarge  ConstError = "file too large"
	ErrNotMounted    ConstError = "volume not mounted"
	ErrBusy          ConstError = "volume busy"
)

// DoubleFreeError is the panic value raised when a number is returned to
// an allocator that already considers it free. The bitmap can no longer
// be trusted after this happens.
type DoubleFreeError struct {
	Kind string
	Num  uint64
}

func (err DoubleFreeError) Error() string {
	return fmt.Sprintf("double free of %s %d", err.Kind, err.Num)
}
