package jsonschema

import "errors"

var (
	ErrInvalidSchema    = errors.New("invalid schema")
	ErrUnknownSchema    = errors.New("unknown schema")
	ErrDuplicateRef     = errors.New("duplicate schema ref")
	ErrValidationSystem = errors.New("schema validation system error")
	ErrFrozen           = errors.New("schema registry is frozen")
)
