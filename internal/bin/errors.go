package bin

import "errors"

// Canonical error kinds. Operations wrap these with fmt.Errorf("...: %w")
// so callers can classify failures with errors.Is while still seeing the
// offending file, symbol or section in the message.
var (
	ErrMissingBinfile   = errors.New("missing binary file")
	ErrMissingSection   = errors.New("missing section")
	ErrMissingSegment   = errors.New("missing segment")
	ErrMissingLabel     = errors.New("missing label")
	ErrMissingParameter = errors.New("missing parameter")

	ErrUnableToOpenFile   = errors.New("unable to open file")
	ErrUnableToCreateFile = errors.New("unable to create file")
	ErrUnableToWriteFile  = errors.New("unable to write file")

	ErrHeaderNotFound       = errors.New("header not found")
	ErrFormatNotRecognized  = errors.New("binary format not recognised")
	ErrArchiveParsing       = errors.New("archive parsing error")
	ErrUnknownFileType      = errors.New("unknown file type")
	ErrUnexpectedFileFormat = errors.New("unexpected file format")

	ErrNoExtlibs        = errors.New("file has no external libraries")
	ErrNoExtfctsSection = errors.New("file has no external function stub section")
	ErrNoSymbolSection  = errors.New("file has no symbol section")
	ErrNoStringSection  = errors.New("file has no string section")
	ErrExtlibNotFound   = errors.New("external library not found")
	ErrSymbolNotFound   = errors.New("symbol not found")

	ErrRelocationNotSupported  = errors.New("relocation type not supported")
	ErrRelocationInvalid       = errors.New("relocation invalid")
	ErrRelocationNotRecognised = errors.New("relocation type not recognised")
	ErrTargetAddressNotFound   = errors.New("target address not found")
	ErrSectionNotRelocated     = errors.New("section could not be relocated")

	ErrArchUnknown      = errors.New("unknown architecture")
	ErrProcNameInvalid  = errors.New("invalid processor name")
	ErrUarchNameInvalid = errors.New("invalid micro-architecture name")

	ErrFileNotBeingPatched = errors.New("file is not being patched")
	ErrFileAlreadyParsed   = errors.New("file is already parsed")

	ErrPatchArchNotSupported       = errors.New("architecture not supported for patching")
	ErrPatchExtfctStubNotGenerated = errors.New("external function stub could not be generated")

	ErrUnresolvedSymbol = errors.New("unresolved symbol")
)
