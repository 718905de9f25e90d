// Package auth provides user/token authentication for the command server.
//
// It intentionally avoids policy decisions and storage concerns. Token
// encryption on the wire belongs to the transport.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrMalformed    = errors.New("auth: malformed authorization header")
)

// Scheme is the Authorization header scheme.
const Scheme = "Token"

// Validator validates a user's token.
type Validator interface {
	Validate(user, token string) error
}

// StaticTokens validates against a fixed user to token table.
type StaticTokens map[string]string

func (s StaticTokens) Validate(user, token string) error {
	want, ok := s[user]
	if !ok || want == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(user, token string) error

func (f FuncValidator) Validate(user, token string) error {
	return f(user, token)
}

// AllowAll accepts every credential. Used when no users are configured.
type AllowAll struct{}

func (AllowAll) Validate(string, string) error { return nil }

// FormatHeader builds "Token <user> <token>".
func FormatHeader(user, token string) string {
	return Scheme + " " + user + " " + token
}

// ParseHeader splits "Token <user> <token>".
func ParseHeader(header string) (user, token string, err error) {
	parts := strings.Fields(header)
	if len(parts) != 3 || parts[0] != Scheme {
		return "", "", ErrMalformed
	}
	return parts[1], parts[2], nil
}
