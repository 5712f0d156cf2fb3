package coverage

import (
	"unicode/utf16"
	"unicode/utf8"
)

// Browser coverage offsets count UTF-16 code units, not bytes.

// UTF16Len returns the length of s in UTF-16 code units.
func UTF16Len(s string) int {
	n := 0
	for _, r := range s {
		n += unitLen(r)
	}
	return n
}

func unitLen(r rune) int {
	if n := utf16.RuneLen(r); n > 0 {
		return n
	}
	return 1
}

// unitCursor maps ascending UTF-16 offsets to byte offsets in one pass.
// An offset inside a surrogate pair rounds down to the rune start.
type unitCursor struct {
	s    string
	b, u int
}

func (c *unitCursor) byteOffset(unit int) int {
	if unit < c.u {
		c.b, c.u = 0, 0
	}
	for c.b < len(c.s) && c.u < unit {
		r, size := utf8.DecodeRuneInString(c.s[c.b:])
		n := unitLen(r)
		if c.u+n > unit {
			break
		}
		c.u += n
		c.b += size
	}
	return c.b
}
