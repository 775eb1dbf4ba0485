package btree

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBadKey is returned when a stored node name cannot be unescaped.
var ErrBadKey = errors.New("btree: malformed key escape")

// escapeKey maps an arbitrary key string onto a name that is safe to use
// as a directory entry name. Directory names may not be empty, contain
// '/' or NUL; '%' is escaped so the mapping round-trips exactly even for
// keys that already contain a literal '%'. The empty key maps to a lone
// "%", which no nonempty key can produce since literal '%' always
// escapes to "%25".
func escapeKey(key string) string {
	if key == "" {
		return "%"
	}
	if !strings.ContainsAny(key, "%/\x00") {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 4)
	for i := 0; i < len(key); i++ {
		switch key[i] {
		case '%':
			b.WriteString("%25")
		case '/':
			b.WriteString("%2F")
		case 0x00:
			b.WriteString("%00")
		default:
			b.WriteByte(key[i])
		}
	}
	return b.String()
}

// unescapeKey inverts escapeKey.
func unescapeKey(name string) (string, error) {
	if name == "%" {
		return "", nil
	}
	if !strings.ContainsRune(name, '%') {
		return name, nil
	}
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c != '%' {
			b.WriteByte(c)
			continue
		}
		if i+2 >= len(name) {
			return "", fmt.Errorf("%w: truncated sequence in %q", ErrBadKey, name)
		}
		hi, ok1 := fromHex(name[i+1])
		lo, ok2 := fromHex(name[i+2])
		if !ok1 || !ok2 {
			return "", fmt.Errorf("%w: bad hex in %q", ErrBadKey, name)
		}
		b.WriteByte(hi<<4 | lo)
		i += 2
	}
	return b.String(), nil
}

func fromHex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	}
	return 0, false
}

// incrementLastChar returns the smallest string strictly greater than
// every string having s as a prefix, used as the exclusive upper bound
// of a prefix scan. An empty result means the bound is unbounded.
func incrementLastChar(s string) string {
	b := []byte(s)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
