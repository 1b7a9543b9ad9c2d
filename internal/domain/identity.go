package domain

import (
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
)

// maxChannelNameLen is Discord's limit for channel names.
const maxChannelNameLen = 100

var validate = validator.New()

// VisitorIdentity identifies one visitor (an email address, case-normalized).
// It is only ever used as a lookup key.
type VisitorIdentity string

// ParseVisitorIdentity normalizes raw and checks that it is an email address.
func ParseVisitorIdentity(raw string) (VisitorIdentity, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	if email == "" {
		return "", &ProtocolError{Reason: "email required"}
	}
	if err := validate.Var(email, "required,email"); err != nil {
		return "", &ProtocolError{Reason: "invalid email", Err: err}
	}
	return VisitorIdentity(email), nil
}

func (v VisitorIdentity) String() string { return string(v) }

// DisplayName returns the channel name derived from this identity.
func (v VisitorIdentity) DisplayName() string { return DisplayName(string(v)) }

// DisplayName lowercases identity and replaces every '@' and '.' with '-'.
// The result is clamped to the platform's channel name limit.
func DisplayName(identity string) string {
	name := strings.Map(func(r rune) rune {
		if r == '@' || r == '.' {
			return '-'
		}
		return r
	}, strings.ToLower(identity))

	if utf8.RuneCountInString(name) > maxChannelNameLen {
		name = string([]rune(name)[:maxChannelNameLen])
	}
	return name
}
