package concurrency

import "errors"

var (
	// ErrInvalidRange is returned when a window does not satisfy start < end.
	ErrInvalidRange = errors.New("invalid range")
	// ErrDataSourceUnavailable wraps any failure of the interval source.
	ErrDataSourceUnavailable = errors.New("data source unavailable")
	// ErrMissingClassification is returned under the Strict policy when an
	// interval carries a tag outside the configured set.
	ErrMissingClassification = errors.New("missing classification")
)
