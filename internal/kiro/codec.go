package kiro

import (
	"fmt"
	"strings"
)

// ErrMissingCredentials is returned by Encode when a field required for the
// account's auth method is absent.
type ErrMissingCredentials struct {
	Field string
}

func (e *ErrMissingCredentials) Error() string {
	return fmt.Sprintf("kiro: missing credential for compound refresh token: %s", e.Field)
}

// ErrUnknownAuthTag is returned by Decode when the trailing segment does not
// match any known (or legacy) auth-method tag.
type ErrUnknownAuthTag struct {
	Tag string
}

func (e *ErrUnknownAuthTag) Error() string {
	return fmt.Sprintf("kiro: unknown refresh-token tag %q", e.Tag)
}

// RefreshParts is the decoded shape of the compound refresh-token string.
type RefreshParts struct {
	RefreshToken string
	ClientID     string
	ClientSecret string
	StartURL     string
	AuthMethod   AuthMethod
}

// legacyAuthTag maps the alternate vocabularies observed in inherited stores
// (spec.md §9 Open Questions) onto the canonical pair.
func legacyAuthTag(tag string) (AuthMethod, bool) {
	switch tag {
	case "idc", string(AuthMethodBuilderID), "desktop":
		return AuthMethodBuilderID, true
	case string(AuthMethodIdentityCenter), "social", "sso":
		return AuthMethodIdentityCenter, true
	default:
		return "", false
	}
}

// Encode packs parts into the pipe-delimited compound refresh-token string.
// Fields may not contain "|". The builder-id method encodes with the "idc"
// tag to match the wire format spec.md §3 calls out for that variant.
func Encode(p RefreshParts) (string, error) {
	if p.RefreshToken == "" {
		return "", &ErrMissingCredentials{Field: "refreshToken"}
	}
	if p.ClientID == "" {
		return "", &ErrMissingCredentials{Field: "clientId"}
	}
	if p.ClientSecret == "" {
		return "", &ErrMissingCredentials{Field: "clientSecret"}
	}

	for _, f := range []string{p.RefreshToken, p.ClientID, p.ClientSecret, p.StartURL} {
		if strings.Contains(f, "|") {
			return "", fmt.Errorf("kiro: refresh-token field contains '|'")
		}
	}

	switch p.AuthMethod {
	case AuthMethodBuilderID:
		return strings.Join([]string{p.RefreshToken, p.ClientID, p.ClientSecret, "idc"}, "|"), nil
	case AuthMethodIdentityCenter:
		if p.StartURL == "" {
			return "", &ErrMissingCredentials{Field: "startUrl"}
		}
		return strings.Join([]string{p.RefreshToken, p.ClientID, p.ClientSecret, p.StartURL, string(AuthMethodIdentityCenter)}, "|"), nil
	default:
		return "", fmt.Errorf("kiro: unsupported auth method %q", p.AuthMethod)
	}
}

// Decode splits a compound refresh-token string by trailing-tag dispatch.
func Decode(s string) (RefreshParts, error) {
	segments := strings.Split(s, "|")
	if len(segments) < 2 {
		return RefreshParts{}, fmt.Errorf("kiro: malformed refresh token: too few segments")
	}

	tag := segments[len(segments)-1]
	method, ok := legacyAuthTag(tag)
	if !ok {
		return RefreshParts{}, &ErrUnknownAuthTag{Tag: tag}
	}

	switch method {
	case AuthMethodBuilderID:
		if len(segments) != 4 {
			return RefreshParts{}, fmt.Errorf("kiro: malformed builder-id refresh token: expected 4 segments, got %d", len(segments))
		}
		return RefreshParts{
			RefreshToken: segments[0],
			ClientID:     segments[1],
			ClientSecret: segments[2],
			AuthMethod:   AuthMethodBuilderID,
		}, nil
	case AuthMethodIdentityCenter:
		if len(segments) != 5 {
			return RefreshParts{}, fmt.Errorf("kiro: malformed identity-center refresh token: expected 5 segments, got %d", len(segments))
		}
		return RefreshParts{
			RefreshToken: segments[0],
			ClientID:     segments[1],
			ClientSecret: segments[2],
			StartURL:     segments[3],
			AuthMethod:   AuthMethodIdentityCenter,
		}, nil
	default:
		return RefreshParts{}, &ErrUnknownAuthTag{Tag: tag}
	}
}

// Validate reports whether an Account carries the credentials its auth
// method requires to be re-encoded.
func Validate(a *Account) bool {
	if a == nil {
		return false
	}
	if a.ClientID == "" || a.ClientSecret == "" || a.RefreshToken == "" {
		return false
	}
	if a.AuthMethod == AuthMethodIdentityCenter {
		return strings.HasPrefix(a.StartURL, "https://")
	}
	return a.AuthMethod == AuthMethodBuilderID
}

// EncodeAccount is a convenience wrapper building RefreshParts from an Account.
func EncodeAccount(a *Account) (string, error) {
	return Encode(RefreshParts{
		RefreshToken: a.RefreshToken,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		StartURL:     a.StartURL,
		AuthMethod:   a.AuthMethod,
	})
}
