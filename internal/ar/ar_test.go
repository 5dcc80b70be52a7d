package ar

import (
	"bytes"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(members map[string][]byte, order []string) []byte {
	var buf bytes.Buffer
	buf.WriteString(magic)

	for _, name := range order {
		data := members[name]
		fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", name+"/", "0", "0", "0", "644", len(data))
		buf.Write(data)
		if len(data)%2 == 1 {
			buf.WriteByte('\n')
		}
	}

	return buf.Bytes()
}

func TestArchiveIteration(t *testing.T) {
	image := buildArchive(map[string][]byte{
		"first.o":  []byte("AAAA"),
		"second.o": []byte("BBBBB"),
	}, []string{"first.o", "second.o"})

	r, err := NewReader(bytes.NewReader(image), int64(len(image)))
	require.NoError(t, err)

	m1, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "first.o", m1.Name)
	assert.Equal(t, int64(4), m1.Size)

	data, err := io.ReadAll(m1.Open())
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), data)

	m2, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "second.o", m2.Name)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestArchiveBadMagic(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("not an ar file!!")), 16)
	assert.ErrorIs(t, err, errBadMagic)
}

func TestMembersFirstOnlyWarns(t *testing.T) {
	image := buildArchive(map[string][]byte{
		"a.o": []byte("xx"),
		"b.o": []byte("yy"),
	}, []string{"a.o", "b.o"})

	members, err := Members(bytes.NewReader(image), int64(len(image)), true)
	require.NoError(t, err)

	// Everything still parses; the caller picks the first
	assert.Len(t, members, 2)
}

func TestExtendedNames(t *testing.T) {
	longName := "averylongmembername_exceeding_sixteen.o"
	nameTable := longName + "/\n"
	data := []byte("ZZ")

	var buf bytes.Buffer
	buf.WriteString(magic)
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", "//", "", "", "", "", len(nameTable))
	buf.WriteString(nameTable)
	if len(nameTable)%2 == 1 {
		buf.WriteByte('\n')
	}
	fmt.Fprintf(&buf, "%-16s%-12s%-6s%-6s%-8s%-10d`\n", "/0", "0", "0", "0", "644", len(data))
	buf.Write(data)

	r, err := NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)

	m, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, longName, m.Name)
}
