package types

import (
	"errors"
	"strings"
	"testing"
)

func TestIsValidEmail(t *testing.T) {
	valid := []string{"user@user.com", "a.b+c@example.co.uk", "1@2.io"}
	for _, email := range valid {
		if !IsValidEmail(email) {
			t.Errorf("expected %q to be valid", email)
		}
	}

	invalid := []string{"", "plain", "no@tld", "two@@example.com", "sp ace@example.com", "a@" + strings.Repeat("x", 250) + ".com"}
	for _, email := range invalid {
		if IsValidEmail(email) {
			t.Errorf("expected %q to be invalid", email)
		}
	}
}

func TestIsValidRole(t *testing.T) {
	if !IsValidRole(RoleUser) || !IsValidRole(RoleAdmin) {
		t.Error("persisted role values should be valid")
	}
	if IsValidRole("moderator") || IsValidRole("") {
		t.Error("unknown role values should be rejected")
	}
}

func TestIsValidID(t *testing.T) {
	if !IsValidID("abc-123") {
		t.Error("normal id should be valid")
	}
	if IsValidID("") {
		t.Error("empty id should be rejected")
	}
	if IsValidID(strings.Repeat("x", 129)) {
		t.Error("oversized id should be rejected")
	}
}

func TestValidateGroupName(t *testing.T) {
	if err := ValidateGroupName("Study Group"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateGroupName("   "); !errors.Is(err, ErrValidation) {
		t.Errorf("whitespace-only name should fail validation, got %v", err)
	}
	if err := ValidateGroupName(strings.Repeat("x", 201)); !errors.Is(err, ErrValidation) {
		t.Errorf("oversized name should fail validation, got %v", err)
	}
}

func TestMessageValidate(t *testing.T) {
	base := Message{
		ID:       "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		GroupID:  "g1",
		SenderID: "u1",
		Content:  "hello",
		Type:     "text",
	}

	if err := base.Validate(); err != nil {
		t.Fatalf("valid message rejected: %v", err)
	}

	cases := map[string]func(m *Message){
		"missing group":     func(m *Message) { m.GroupID = "" },
		"missing sender":    func(m *Message) { m.SenderID = "" },
		"missing content":   func(m *Message) { m.Content = "" },
		"missing type":      func(m *Message) { m.Type = "" },
		"oversized content": func(m *Message) { m.Content = strings.Repeat("x", 10001) },
	}
	for name, mutate := range cases {
		m := base
		mutate(&m)
		if err := m.Validate(); !errors.Is(err, ErrValidation) {
			t.Errorf("%s: expected validation error, got %v", name, err)
		}
	}
}

func TestUserIsAdmin(t *testing.T) {
	admin := &User{ID: "1", Role: RoleAdmin}
	user := &User{ID: "2", Role: RoleUser}
	var missing *User

	if !admin.IsAdmin() {
		t.Error("admin role should report admin")
	}
	if user.IsAdmin() {
		t.Error("user role should not report admin")
	}
	if missing.IsAdmin() {
		t.Error("nil user should not report admin")
	}
}
