// Package errors provides coded, structured errors for the closurizer pipeline.
//
// Every fatal condition carries a machine-readable Code so callers (and the CLI)
// can tell configuration problems from I/O or engine failures without string
// matching.
package errors

import (
	stderrors "errors"
	"fmt"

	"github.com/samber/oops"
)

// Code is the machine-readable identifier for an error.
type Code string

const (
	CodeConfigValidateInvalidValue Code = "config.validate.invalid_value"
	CodeConfigSourceMissing        Code = "config.source.missing"
	CodeConfigSourceConflict       Code = "config.source.conflict"

	CodeStoreOpenFailure     Code = "store.open.failure"
	CodeStoreRelationMissing Code = "store.relation.missing"
	CodeStoreQueryFailure    Code = "store.query.failure"

	CodeIOArchiveReadFailure   Code = "io.archive.read.failure"
	CodeIOArchiveMemberMissing Code = "io.archive.member.missing"
	CodeIOInputMissing         Code = "io.input.missing"
	CodeIOOutputWriteFailure   Code = "io.output.write.failure"

	CodeEngineLoadFailure      Code = "engine.load.failure"
	CodeEngineAggregateFailure Code = "engine.aggregate.failure"
	CodeEngineEnrichFailure    Code = "engine.enrich.failure"
	CodeEngineFieldUnknown     Code = "engine.field.unknown"

	CodeInternalFailure Code = "internal.failure"
)

// Attr is a structured key/value context attached to an error.
type Attr struct {
	Key   string
	Value any
}

// Field creates a structured error field.
func Field(key string, value any) Attr {
	return Attr{Key: key, Value: value}
}

func FieldPath(value string) Attr {
	return Field("path", value)
}

func FieldRelation(value string) Attr {
	return Field("relation", value)
}

func FieldColumn(value string) Attr {
	return Field("column", value)
}

func New(code Code, msg string, fields ...Attr) error {
	return oops.Code(code).With(flatten(fields)...).New(msg)
}

func Errorf(code Code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

func Wrap(err error, code Code, msg string, fields ...Attr) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).With(flatten(fields)...).Wrapf(err, "%s", msg)
}

func Wrapf(err error, code Code, format string, args ...any) error {
	if err == nil {
		return nil
	}

	return oops.Code(code).Wrapf(err, format, args...)
}

// CodeOf returns the innermost code in the chain, or "" for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}

	if code, ok := oopsErr.Code().(Code); ok {
		return code
	}

	if code, ok := oopsErr.Code().(string); ok {
		return Code(code)
	}

	return Code(fmt.Sprintf("%v", oopsErr.Code()))
}

func FieldsOf(err error) map[string]any {
	if err == nil {
		return nil
	}

	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return nil
	}

	return oopsErr.Context()
}

func HasCode(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// IsConfig reports whether err is one of the configuration error codes.
func IsConfig(err error) bool {
	switch CodeOf(err) {
	case CodeConfigValidateInvalidValue, CodeConfigSourceMissing, CodeConfigSourceConflict:
		return true
	}
	return false
}

// Is and As re-export the standard library helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }

func flatten(fields []Attr) []any {
	out := make([]any, 0, len(fields)*2)
	for _, f := range fields {
		out = append(out, f.Key, f.Value)
	}
	return out
}
