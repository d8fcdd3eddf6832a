package txn

import (
	"fmt"

	"github.com/backwardn/nomulus/history"
)

// Mode selects which backends a unit of work runs against.
type Mode string

const (
	// PrimaryOnly runs against the key-value store only.
	PrimaryOnly Mode = "primary-only"
	// SecondaryOnly runs against the relational store only.
	SecondaryOnly Mode = "secondary-only"
	// DualWriteVerify runs against both and commits only if they agree.
	DualWriteVerify Mode = "dual-write-verify"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case PrimaryOnly, SecondaryOnly, DualWriteVerify:
		return m, nil
	}
	return "", &history.ValidationError{Field: "mode", Message: fmt.Sprintf("unknown migration mode %q", s)}
}
