package types

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxNameLength    = 200
	maxContentLength = 10000
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// IsValidEmail performs a shallow structural check; uniqueness is the
// store's job.
func IsValidEmail(email string) bool {
	return email != "" && len(email) <= maxNameLength && emailPattern.MatchString(email)
}

// IsValidRole accepts only the two persisted role values.
func IsValidRole(role string) bool {
	return role == RoleUser || role == RoleAdmin
}

// IsValidID rejects empty and absurdly long identifiers before they reach
// the store.
func IsValidID(id string) bool {
	return id != "" && len(id) <= 128
}

// ValidateGroupName checks the name used for create and rename operations.
func ValidateGroupName(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("%w: group name is required", ErrValidation)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: group name exceeds %d characters", ErrValidation, maxNameLength)
	}
	return nil
}

// Validate checks the client-controlled fields of a message envelope.
func (m *Message) Validate() error {
	if !IsValidID(m.GroupID) {
		return fmt.Errorf("%w: group id is required", ErrValidation)
	}
	if !IsValidID(m.SenderID) {
		return fmt.Errorf("%w: sender id is required", ErrValidation)
	}
	if m.Content == "" {
		return fmt.Errorf("%w: message content is required", ErrValidation)
	}
	if len(m.Content) > maxContentLength {
		return fmt.Errorf("%w: message content exceeds %d bytes", ErrValidation, maxContentLength)
	}
	if m.Type == "" {
		return fmt.Errorf("%w: message type is required", ErrValidation)
	}
	return nil
}
