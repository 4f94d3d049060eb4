package netbuf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteDiscardRoundTrip(t *testing.T) {
	var b Buffer
	b.Write([]byte("hello world"))
	assert.Equal(t, "hello world", string(b.Bytes()))
	b.Discard(6)
	assert.Equal(t, "world", string(b.Bytes()))
}

func TestSpliceFromMovesBytes(t *testing.T) {
	var src, dst Buffer
	src.Write([]byte("abcdef"))
	n := dst.SpliceFrom(&src, 3)
	assert.Equal(t, 3, n)
	assert.Equal(t, "abc", string(dst.Bytes()))
	assert.Equal(t, "def", string(src.Bytes()))
}
