package memory

import "errors"

var (
	// ErrInvalidBudget is returned when recall is called with a budget
	// outside {low, mid, high}.
	ErrInvalidBudget = errors.New("invalid recall budget")

	// ErrEmptyContent is returned when retain or recall input is empty.
	ErrEmptyContent = errors.New("content must not be empty")

	// ErrContentTooLong is returned when input exceeds its size cap.
	ErrContentTooLong = errors.New("content exceeds maximum length")

	// ErrNotFound is returned when a referenced record does not exist.
	ErrNotFound = errors.New("not found")
)
