package btree

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeRoundTrip(t *testing.T) {
	cases := []struct {
		key     string
		escaped string
	}{
		{"plain", "plain"},
		{"a/b", "a%2Fb"},
		{"100%", "100%25"},
		{"%2F", "%252F"},
		{"\x00", "%00"},
		{"%%//", "%25%25%2F%2F"},
		{"", "%"},
	}
	for _, c := range cases {
		got := escapeKey(c.key)
		require.Equal(t, c.escaped, got, "escape %q", c.key)
		back, err := unescapeKey(got)
		require.NoError(t, err)
		require.Equal(t, c.key, back, "round-trip %q", c.key)
	}
}

func TestUnescapeRejectsMalformed(t *testing.T) {
	for _, bad := range []string{"%2", "%zz", "trail%", "a%"} {
		_, err := unescapeKey(bad)
		require.ErrorIs(t, err, ErrBadKey, "input %q", bad)
	}
}

func TestIncrementLastChar(t *testing.T) {
	require.Equal(t, "b", incrementLastChar("a"))
	require.Equal(t, "aq", incrementLastChar("ap"))
	require.Equal(t, "b", incrementLastChar("a\xff"))
	require.Equal(t, "", incrementLastChar(""))
	require.Equal(t, "", incrementLastChar("\xff\xff"))
}
