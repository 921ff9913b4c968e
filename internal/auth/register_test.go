package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/loykin/playground/internal/store"
)

func TestRegister(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, newMemStore())

	u, err := svc.Register(ctx, "new_user-1", "Str0ng!pass")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if u.ID == "" || !u.Active || u.PasswordHash != "" {
		t.Fatalf("unexpected user: %+v", u)
	}
	if _, _, err := svc.Login(ctx, "new_user-1", "Str0ng!pass"); err != nil {
		t.Fatalf("login after register: %v", err)
	}
	if _, err := svc.Register(ctx, "new_user-1", "Str0ng!pass"); !errors.Is(err, store.ErrUserExists) {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	svc := newTestService(t, newMemStore())
	cases := []struct {
		username, password, field string
	}{
		{"ab", "Str0ng!pass", "username"},
		{"bad name", "Str0ng!pass", "username"},
		{"../etc", "Str0ng!pass", "username"},
		{"valid", "Sh0rt!", "password"},
		{"valid", "alllower1!", "password"},
		{"valid", "NoDigits!!", "password"},
		{"valid", "NoSpecial12", "password"},
	}
	for _, tc := range cases {
		_, err := svc.Register(context.Background(), tc.username, tc.password)
		var ve *ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%q/%q: expected %s validation error, got %v", tc.username, tc.password, tc.field, err)
		}
	}
}
