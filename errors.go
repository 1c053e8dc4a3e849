package nandftl

import (
	"github.com/pkg/errors"
)

var (
	ErrEmptyPage = errors.New("nand: empty page")
	ErrECC       = errors.New("nand: uncorrectable ecc error")
	ErrArgument  = errors.New("nand: invalid argument")
	ErrProgram   = errors.New("nand: program failed")
	ErrErase     = errors.New("nand: erase failed")
)

// Kind classifies failures so callers can tell misuse from media trouble.
type Kind int

const (
	KindUnknown Kind = iota
	KindArgument
	KindDevice
	KindEmpty
	KindConsistency
	// KindDurability is reported when a context could not be committed.
	KindDurability
)

func (k Kind) String() string {
	switch k {
	case KindArgument:
		return "argument error"
	case KindDevice:
		return "device error"
	case KindEmpty:
		return "empty page"
	case KindConsistency:
		return "consistency error"
	case KindDurability:
		return "durability error"
	}
	return "unknown error"
}

// Error is the error type returned by the translation layers.
type Error struct {
	Op   string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error. A nil err leaves only the kind in the message.
func E(op string, kind Kind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Errorf builds an *Error around a formatted message.
func Errorf(op string, kind Kind, format string, args ...interface{}) error {
	return &Error{Op: op, Kind: kind, Err: errors.Errorf(format, args...)}
}

// KindOf reports the kind of err. Bare device sentinels are classified too.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) && e.Kind != KindUnknown {
		return e.Kind
	}
	switch {
	case errors.Is(err, ErrEmptyPage):
		return KindEmpty
	case errors.Is(err, ErrArgument):
		return KindArgument
	case errors.Is(err, ErrECC), errors.Is(err, ErrProgram), errors.Is(err, ErrErase):
		return KindDevice
	}
	return KindUnknown
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
