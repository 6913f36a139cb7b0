package pipeline

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported image format")
	ErrDecodeFailure     = errors.New("image decode failed")
	ErrEncodeFailure     = errors.New("image encode failed")
)

// ErrorKind classifies normalization failures. None of them are retryable.
type ErrorKind int

const (
	KindUnsupportedFormat ErrorKind = iota + 1
	KindDecode
	KindEncode
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnsupportedFormat:
		return "unsupported_format"
	case KindDecode:
		return "decode"
	case KindEncode:
		return "encode"
	default:
		return "unknown"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindUnsupportedFormat:
		return ErrUnsupportedFormat
	case KindDecode:
		return ErrDecodeFailure
	case KindEncode:
		return ErrEncodeFailure
	default:
		return nil
	}
}

// Error carries the failing stage, the source extension and the original cause.
type Error struct {
	Kind      ErrorKind
	Extension string
	Err       error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%v (ext=%q)", e.Kind.sentinel(), e.Extension)
	}
	return fmt.Sprintf("%v (ext=%q): %v", e.Kind.sentinel(), e.Extension, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target != nil && target == e.Kind.sentinel()
}

// KindOf reports the ErrorKind of err, or 0 when err did not come from the normalizer.
func KindOf(err error) ErrorKind {
	var ne *Error
	if errors.As(err, &ne) {
		return ne.Kind
	}
	return 0
}
