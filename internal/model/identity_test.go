package model

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	require.NoError(t, NodeIdentity("node-b").Validate())
	require.NoError(t, NodeIdentity(strings.Repeat("x", IdentityWidth)).Validate())

	for _, id := range []NodeIdentity{"", "site/a", `site\a`, "../escaped", " padded", "tab\tid", NodeIdentity(strings.Repeat("x", IdentityWidth+1))} {
		assert.ErrorIs(t, id.Validate(), ErrInvalidIdentity, "identity %q", id)
	}
}

func TestFileNameIsOneComponent(t *testing.T) {
	assert.Equal(t, "node-b", NodeIdentity("node-b").FileName())
	assert.Equal(t, "site%2Fa", NodeIdentity("site/a").FileName())
	assert.Equal(t, "..%2F..%2Fescaped", NodeIdentity("../../escaped").FileName())
	assert.Equal(t, "%2E%2E", NodeIdentity("..").FileName())
	assert.NotContains(t, NodeIdentity(`a\b`).FileName(), `\`)
}

func TestFixedWidthRoundTrip(t *testing.T) {
	id := NodeIdentity("node-b")
	assert.Len(t, id.FixedWidth(), IdentityWidth)
	assert.Equal(t, id, ParseIdentity(id.FixedWidth()))
}
