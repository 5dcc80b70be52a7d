package elfbin

import (
	"fmt"
	"os"

	"github.com/davejbax/stitch/internal/ar"
	"github.com/davejbax/stitch/internal/bin"
)

const arMagic = "!<arch>\n"

// IsArchive reports whether the file at path is a Unix archive.
func IsArchive(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var head [len(arMagic)]byte
	if _, err := f.ReadAt(head[:], 0); err != nil {
		return false
	}

	return string(head[:]) == arMagic
}

// OpenArchive parses the members of the archive at path. With
// firstOnly set, only the first member is parsed and a warning notes
// the rest; otherwise every member parses independently.
func OpenArchive(path string, firstOnly bool) ([]*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, bin.ErrUnableToOpenFile)
	}

	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, bin.ErrUnableToOpenFile)
	}

	members, err := ar.Members(f, st.Size(), firstOnly)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w: %w", path, bin.ErrArchiveParsing, err)
	}

	if len(members) == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", path, bin.ErrArchiveParsing)
	}

	if firstOnly {
		members = members[:1]
	}

	var files []*File

	for _, m := range members {
		ef, err := New(m.Open(), fmt.Sprintf("%s(%s)", path, m.Name))
		if err != nil {
			_ = f.Close()
			return nil, err
		}

		files = append(files, ef)
	}

	// The stream must outlive the members; the first file owns it
	files[0].Bin.SetStream(f, f)

	return files, nil
}

// OpenAny opens an ELF object, executable, library or archive. For an
// archive, the members slice carries every parsed member (or just the
// first, with a warning, when members was not requested).
func OpenAny(path string, allMembers bool) ([]*File, error) {
	if IsArchive(path) {
		return OpenArchive(path, !allMembers)
	}

	f, err := Open(path)
	if err != nil {
		return nil, err
	}

	return []*File{f}, nil
}
