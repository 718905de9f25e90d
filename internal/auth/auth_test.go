package auth

import (
	"errors"
	"testing"

	"github.com/zimagi/zimagi-sub000/internal/testutil/testlog"
)

func TestStaticTokensValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  StaticTokens
		user    string
		input   string
		wantErr error
	}{
		{name: "unknown user denied", stored: StaticTokens{"admin": "abc"}, user: "other", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty token denied", stored: StaticTokens{"admin": ""}, user: "admin", input: "", wantErr: ErrUnauthorized},
		{name: "mismatched token denied", stored: StaticTokens{"admin": "abc"}, user: "admin", input: "xyz", wantErr: ErrUnauthorized},
		{name: "matching token accepted", stored: StaticTokens{"admin": "abc"}, user: "admin", input: "abc", wantErr: nil},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.stored.Validate(tc.user, tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestFuncValidator(t *testing.T) {
	testlog.Start(t)
	validator := FuncValidator(func(user, token string) error {
		if user != "admin" || token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := validator.Validate("admin", "bad"); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad token, got %v", err)
	}
	if err := validator.Validate("admin", "ok"); err != nil {
		t.Fatalf("expected success for ok token, got %v", err)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	testlog.Start(t)
	user, token, err := ParseHeader(FormatHeader("admin", "c2VjcmV0"))
	if err != nil {
		t.Fatalf("parse header: %v", err)
	}
	if user != "admin" || token != "c2VjcmV0" {
		t.Fatalf("unexpected credential user=%q token=%q", user, token)
	}
	for _, bad := range []string{"", "Bearer a b", "Token onlyuser", "Token a b c"} {
		if _, _, err := ParseHeader(bad); !errors.Is(err, ErrMalformed) {
			t.Fatalf("expected malformed for %q, got %v", bad, err)
		}
	}
}
