package domain

import "time"

// RateBudget is the remote API budget reported for an auth scope.
type RateBudget struct {
	Scope     string
	Remaining int
	Limit     int
	ResetAt   time.Time
	UpdatedAt time.Time
}
