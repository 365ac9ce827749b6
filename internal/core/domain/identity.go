package domain

import (
	"strings"
	"time"
)

// IdentitySource records where an email to login mapping was learned.
type IdentitySource string

const (
	IdentityFromSync    IdentitySource = "sync"
	IdentityFromWebhook IdentitySource = "webhook"
	IdentityFromLookup  IdentitySource = "lookup"
)

// Identity maps a contact address to a forge account.
type Identity struct {
	Email     string
	Login     string
	Source    IdentitySource
	UpdatedAt time.Time
}

// NormalizeEmail lowercases and trims an address so that one author maps to
// a single cluster key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
