package demand

import "errors"

// Failure classes shared by every stage. Stages wrap one of these with
// context; callers match with errors.Is.
var (
	ErrFetch               = errors.New("demand fetch failed")
	ErrLookup              = errors.New("holiday lookup failed")
	ErrStorage             = errors.New("storage failed")
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrNoHistory           = errors.New("no history")
	ErrModelLoad           = errors.New("model load failed")
)
