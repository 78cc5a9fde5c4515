package model

import (
	"net/url"
	"strings"
	"unicode"

	"github.com/pkg/errors"
)

// IdentityWidth is the fixed byte width of an identity on the wire.
const IdentityWidth = 36

// ErrInvalidIdentity marks an identity that cannot be carried by the handshake unchanged.
var ErrInvalidIdentity = errors.New("invalid node identity")

type NodeIdentity string

// FixedWidth returns the identity right-padded with spaces, or truncated, to IdentityWidth bytes.
func (id NodeIdentity) FixedWidth() []byte {
	b := []byte(id)
	if len(b) >= IdentityWidth {
		return b[:IdentityWidth]
	}

	padded := make([]byte, IdentityWidth)
	copy(padded, b)
	for i := len(b); i < IdentityWidth; i++ {
		padded[i] = ' '
	}
	return padded
}

func (id NodeIdentity) String() string {
	return string(id)
}

// FileName is the identity escaped into a single path component.
func (id NodeIdentity) FileName() string {
	name := url.PathEscape(string(id))
	if name == "." || name == ".." {
		return strings.ReplaceAll(name, ".", "%2E")
	}
	return name
}

// Validate rejects identities that are empty, wider than IdentityWidth, carry surrounding
// spaces, path separators or control characters.
func (id NodeIdentity) Validate() error {
	s := string(id)
	if s == "" {
		return errors.Wrap(ErrInvalidIdentity, "empty")
	}
	if len(s) > IdentityWidth {
		return errors.Wrapf(ErrInvalidIdentity, "%q is %d bytes, at most %d fit the handshake", s, len(s), IdentityWidth)
	}
	if strings.TrimSpace(s) != s {
		return errors.Wrapf(ErrInvalidIdentity, "%q has surrounding spaces", s)
	}
	for _, r := range s {
		if r == '/' || r == '\\' || unicode.IsControl(r) {
			return errors.Wrapf(ErrInvalidIdentity, "%q contains %q", s, r)
		}
	}

	return nil
}

// ParseIdentity strips the handshake padding from a fixed-width identity.
func ParseIdentity(b []byte) NodeIdentity {
	return NodeIdentity(strings.TrimSpace(string(b)))
}
