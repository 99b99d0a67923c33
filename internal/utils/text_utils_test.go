package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncateTextKeepsRunesWhole(t *testing.T) {
	tp := NewTextProcessor(nil)

	out, cut := tp.TruncateText("héllo", 2)
	assert.True(t, cut)
	assert.Equal(t, "h"+TruncationMarker, out)

	out, cut = tp.TruncateText("short", 10)
	assert.False(t, cut)
	assert.Equal(t, "short", out)

	out, cut = tp.TruncateText("unbounded", 0)
	assert.False(t, cut)
	assert.Equal(t, "unbounded", out)
}

func TestSanitizeUTF8(t *testing.T) {
	tp := NewTextProcessor(nil)
	assert.Equal(t, "ab�c\td\n", tp.SanitizeUTF8("a\x00b\xffc\td\n"))
}

func TestCollapseBlankLines(t *testing.T) {
	tp := NewTextProcessor(nil)
	assert.Equal(t, "a\n\nb", tp.CollapseBlankLines("a  \r\n\r\n\r\nb\n\n"))
}

func TestProcessText(t *testing.T) {
	tp := NewTextProcessor(nil)
	out, cut := tp.ProcessText("ab\x00cdef", 3)
	assert.True(t, cut)
	assert.Equal(t, "abc"+TruncationMarker, out)
}
