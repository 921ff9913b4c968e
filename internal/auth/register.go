package auth

import (
	"context"
	"regexp"
	"strings"

	"github.com/loykin/playground/internal/store"
)

const passwordSpecials = "@$!%*?&"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

// ValidationError reports a registration field that was rejected.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Field + ": " + e.Message }

// Register validates a self-service sign-up and creates an active user.
// A taken username fails with store.ErrUserExists.
func (s *Service) Register(ctx context.Context, username, password string) (store.User, error) {
	if !usernamePattern.MatchString(username) {
		return store.User{}, &ValidationError{
			Field:   "username",
			Message: "Username must be 3-50 characters and contain only letters, numbers, underscores, and hyphens",
		}
	}
	if !strongPassword(password) {
		return store.User{}, &ValidationError{
			Field:   "password",
			Message: "Password must be at least 8 characters with uppercase, lowercase, number, and special character",
		}
	}
	return s.CreateUser(ctx, username, password)
}

func strongPassword(p string) bool {
	if len(p) < 8 {
		return false
	}
	var lower, upper, digit, special bool
	for _, r := range p {
		switch {
		case r >= 'a' && r <= 'z':
			lower = true
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= '0' && r <= '9':
			digit = true
		case strings.ContainsRune(passwordSpecials, r):
			special = true
		}
	}
	return lower && upper && digit && special
}
