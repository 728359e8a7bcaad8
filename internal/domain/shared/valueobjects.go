package shared

import (
	"strings"
	"unicode"
)

// ═══════════════════════════════════════════════════════════════════════════
// ID Value Objects
// ═══════════════════════════════════════════════════════════════════════════

// UserID is the stable identifier supplied by the identity provider.
// The engine treats it as opaque.
type UserID string

// maxUserIDLength bounds identifiers accepted from callers.
const maxUserIDLength = 128

// IsValid checks that the ID is non-empty, bounded and printable.
func (u UserID) IsValid() bool {
	if u == "" || len(u) > maxUserIDLength {
		return false
	}
	for _, r := range string(u) {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) || r == '/' {
			return false
		}
	}
	return true
}

// String returns the string representation.
func (u UserID) String() string {
	return string(u)
}

// NewUserID creates a new UserID with validation.
func NewUserID(id string) (UserID, error) {
	uid := UserID(strings.TrimSpace(id))
	if !uid.IsValid() {
		return "", ErrInvalidUserID
	}
	return uid, nil
}
