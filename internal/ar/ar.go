// Package ar iterates the members of a Unix archive. Each member is a
// 60-byte fixed-width header followed by its data, padded to an even
// offset; GNU archives carry an extended name table in a "//" member.
package ar

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
)

const (
	magic      = "!<arch>\n"
	headerSize = 60
)

var (
	errBadMagic  = errors.New("not an archive: bad magic")
	errBadHeader = errors.New("malformed archive member header")
)

// Member is one archive member: its name and a reader over its data.
type Member struct {
	Name string
	Size int64

	r io.ReaderAt
	// offset of the member data inside the archive
	offset int64
}

// Open returns a section reader over the member's bytes.
func (m *Member) Open() *io.SectionReader {
	return io.NewSectionReader(m.r, m.offset, m.Size)
}

// Reader walks an archive sequentially.
type Reader struct {
	r    io.ReaderAt
	pos  int64
	size int64

	// GNU extended name table, if the archive carries one
	names []byte
}

// NewReader checks the archive magic and positions at the first
// member.
func NewReader(r io.ReaderAt, size int64) (*Reader, error) {
	var head [len(magic)]byte
	if _, err := r.ReadAt(head[:], 0); err != nil {
		return nil, fmt.Errorf("failed to read archive magic: %w", err)
	}

	if string(head[:]) != magic {
		return nil, errBadMagic
	}

	return &Reader{r: r, pos: int64(len(magic)), size: size}, nil
}

// Next returns the next real member, transparently consuming the
// symbol index ("/") and extended name table ("//") members. io.EOF
// signals the end of the archive.
func (a *Reader) Next() (*Member, error) {
	for {
		if a.pos+headerSize > a.size {
			return nil, io.EOF
		}

		var hdr [headerSize]byte
		if _, err := a.r.ReadAt(hdr[:], a.pos); err != nil {
			return nil, fmt.Errorf("failed to read member header: %w", err)
		}

		if hdr[58] != 0x60 || hdr[59] != 0x0a {
			return nil, errBadHeader
		}

		rawName := strings.TrimRight(string(hdr[0:16]), " ")

		sizeStr := strings.TrimRight(string(hdr[48:58]), " ")
		memberSize, err := strconv.ParseInt(sizeStr, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad member size %q: %w", sizeStr, errBadHeader)
		}

		dataOff := a.pos + headerSize
		a.pos = dataOff + memberSize
		if a.pos%2 == 1 {
			a.pos++
		}

		switch {
		case rawName == "/" || rawName == "__.SYMDEF":
			// Symbol index; skip
			continue

		case rawName == "//":
			names := make([]byte, memberSize)
			if _, err := a.r.ReadAt(names, dataOff); err != nil {
				return nil, fmt.Errorf("failed to read name table: %w", err)
			}

			a.names = names
			continue
		}

		name, err := a.resolveName(rawName)
		if err != nil {
			return nil, err
		}

		return &Member{Name: name, Size: memberSize, r: a.r, offset: dataOff}, nil
	}
}

// resolveName handles the two GNU spellings: "name/" inline, or "/123"
// referencing the extended name table.
func (a *Reader) resolveName(raw string) (string, error) {
	if strings.HasPrefix(raw, "/") && len(raw) > 1 {
		off, err := strconv.Atoi(raw[1:])
		if err != nil || off < 0 || off >= len(a.names) {
			return "", fmt.Errorf("bad extended name reference %q: %w", raw, errBadHeader)
		}

		rest := a.names[off:]
		end := len(rest)
		for i, b := range rest {
			if b == '\n' || b == 0 {
				end = i
				break
			}
		}

		return strings.TrimSuffix(string(rest[:end]), "/"), nil
	}

	return strings.TrimSuffix(raw, "/"), nil
}

// Members collects every member of the archive. When warnFirstOnly is
// set the caller intends to use only the first member; the remainder
// still parses so a truncated archive cannot go unnoticed.
func Members(r io.ReaderAt, size int64, warnFirstOnly bool) ([]*Member, error) {
	ar, err := NewReader(r, size)
	if err != nil {
		return nil, err
	}

	var members []*Member

	for {
		m, err := ar.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return members, err
		}

		members = append(members, m)
	}

	if warnFirstOnly && len(members) > 1 {
		slog.Warn("archive has multiple members; only the first will be used",
			"members", len(members),
			"first", members[0].Name,
		)
	}

	return members, nil
}
