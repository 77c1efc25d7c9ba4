package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuery         = errors.New("invalid query")
	ErrSourceUnavailable    = errors.New("source unavailable")
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")
	ErrGenerationProvider   = errors.New("generation provider failure")
	ErrContextOverflow      = errors.New("context overflow")
	ErrTemporary            = errors.New("temporary failure")
)

var (
	errEmptyText         = errors.New("query text is empty")
	errInvertedDateRange = errors.New("date range start is after end")
)

func errUnknownMode(mode SearchMode) error {
	return fmt.Errorf("unknown search mode %q", mode)
}

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

const (
	CodeInvalidQuery         = "INVALID_QUERY"
	CodeRetrievalUnavailable = "RETRIEVAL_UNAVAILABLE"
	CodeGenerationFailed     = "GENERATION_FAILED"
	CodeContextOverflow      = "CONTEXT_OVERFLOW"
	CodeInternal             = "INTERNAL_ERROR"
)

// ErrorCode maps an error onto the machine-readable code exposed to callers.
func ErrorCode(err error) string {
	switch {
	case IsKind(err, ErrInvalidQuery):
		return CodeInvalidQuery
	case IsKind(err, ErrRetrievalUnavailable):
		return CodeRetrievalUnavailable
	case IsKind(err, ErrGenerationProvider):
		return CodeGenerationFailed
	case IsKind(err, ErrContextOverflow):
		return CodeContextOverflow
	default:
		return CodeInternal
	}
}

// UserMessage never leaks provider or store internals.
func UserMessage(err error) string {
	switch ErrorCode(err) {
	case CodeInvalidQuery:
		var detail error = err
		for _, known := range []error{errEmptyText, errInvertedDateRange} {
			if errors.Is(err, known) {
				detail = known
			}
		}
		if detail == err {
			return "the query is invalid"
		}
		return detail.Error()
	case CodeRetrievalUnavailable:
		return "knowledge sources are temporarily unavailable, please retry later"
	case CodeGenerationFailed:
		return "answer generation failed, please retry"
	case CodeContextOverflow:
		return "the question does not fit into the model context window"
	default:
		return "internal error"
	}
}
