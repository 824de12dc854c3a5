package wire

import (
	"fmt"

	apperrors "github.com/debugrelay/host/internal/errors"
)

// MissingFieldError reports a required field absent from a decoded message.
type MissingFieldError struct {
	Type  Type
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field: %s (type %s)", e.Field, e.Type)
}

// Code returns the stable error code.
func (e *MissingFieldError) Code() string { return apperrors.CodeCodecMissingField }

// InvalidFieldError reports a field whose JSON kind does not match the type.
type InvalidFieldError struct {
	Type  Type
	Field string
	Want  string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field: %s (type %s, want %s)", e.Field, e.Type, e.Want)
}

// Code returns the stable error code.
func (e *InvalidFieldError) Code() string { return apperrors.CodeCodecInvalidField }

// UnknownTypeError reports a missing or unsupported type tag.
type UnknownTypeError struct {
	Tag string
}

func (e *UnknownTypeError) Error() string {
	if e.Tag == "" {
		return "missing type tag"
	}
	return fmt.Sprintf("unknown message type: %s", e.Tag)
}

// Code returns the stable error code.
func (e *UnknownTypeError) Code() string { return apperrors.CodeCodecUnknownType }
