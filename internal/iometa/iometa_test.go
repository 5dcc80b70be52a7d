package iometa

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountingWriter(t *testing.T) {
	var buf bytes.Buffer
	cw := &CountingWriter{Writer: &buf}

	n, err := cw.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 5, cw.BytesWritten())

	_, err = cw.Write([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, 10, cw.BytesWritten())
}

func TestZeroReader(t *testing.T) {
	r := &ZeroReader{Size: 10}

	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 10), data)
}

func TestWriteZeros(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteZeros(&buf, 4096))
	assert.Equal(t, make([]byte, 4096), buf.Bytes())
}
