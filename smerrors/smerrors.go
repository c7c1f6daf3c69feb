// Package smerrors defines the security monitor's error taxonomy.
//
// Every core operation returns a typed success-or-failure result. The
// sentinels below are the kinds a caller is expected to switch on with
// errors.Is; InvalidInstruction carries the offending word and is
// matched with errors.As. Collaborators wrap these with pkg/errors at
// the point they are first observed, so a stack trace survives up the
// handler chain without obscuring the underlying sentinel.
package smerrors

import "github.com/pkg/errors"

// Sentinel kinds from spec §7. DmaNotInitialized and VirtioError belong
// to collaborator subsystems (DMA bounce buffers, virtio-blk) that are
// out of the core's scope but surfaced through the same taxonomy.
var (
	ErrOutOfMemory            = errors.New("out of memory")
	ErrPageTableCorrupted     = errors.New("page table corrupted")
	ErrPageTableConfiguration = errors.New("page table configuration")
	ErrPendingRequest         = errors.New("pending request already set")
	ErrInvalidAddress         = errors.New("invalid address")
	ErrDmaNotInitialized      = errors.New("dma not initialized")
	ErrVirtioError            = errors.New("virtio error")
)

// InvalidInstruction reports that a trapping instruction could not be
// decoded. It carries the raw word for diagnosis, per spec §7.
type InvalidInstruction struct {
	Word uint32
}

func (e *InvalidInstruction) Error() string {
	return errors.Errorf("invalid riscv instruction: %#x", e.Word).Error()
}

// NewInvalidInstruction constructs an InvalidInstruction error.
func NewInvalidInstruction(word uint32) error {
	return &InvalidInstruction{Word: word}
}

// Wrap attaches msg and a stack trace to err if err is non-nil.
func Wrap(err error, msg string) error {
	return errors.Wrap(err, msg)
}

// Wrapf is like Wrap with a formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// IsPendingRequest reports whether err wraps ErrPendingRequest.
func IsPendingRequest(err error) bool {
	return errors.Is(err, ErrPendingRequest)
}

// IsOutOfMemory reports whether err wraps ErrOutOfMemory.
func IsOutOfMemory(err error) bool {
	return errors.Is(err, ErrOutOfMemory)
}

// IsPageTableCorrupted reports whether err wraps ErrPageTableCorrupted.
func IsPageTableCorrupted(err error) bool {
	return errors.Is(err, ErrPageTableCorrupted)
}
