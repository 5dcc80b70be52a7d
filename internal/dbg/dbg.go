// Package dbg answers the one question the rewriter has for debug
// information: is there a function at this address, and what is it
// called. Used to promote ambiguous symbol labels.
package dbg

import (
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
)

var errNoDebugInfo = errors.New("file carries no DWARF information")

// Function is one subprogram record.
type Function struct {
	Name   string
	LowPC  uint64
	HighPC uint64
}

// Info indexes the subprogram entries of a file's DWARF data.
type Info struct {
	functions []*Function
}

// New reads the DWARF data of an ELF file and indexes its functions.
func New(f *elf.File) (*Info, error) {
	data, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errNoDebugInfo, err)
	}

	info := &Info{}

	reader := data.Reader()
	for {
		entry, err := reader.Next()
		if err != nil || entry == nil {
			break
		}

		if entry.Tag != dwarf.TagSubprogram {
			continue
		}

		fn := &Function{}

		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			fn.Name = name
		}

		low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
		if !ok {
			continue
		}
		fn.LowPC = low

		switch high := entry.Val(dwarf.AttrHighpc).(type) {
		case uint64:
			fn.HighPC = high
		case int64:
			// DWARF 4 encodes high_pc as an offset from low_pc
			fn.HighPC = low + uint64(high)
		}

		info.functions = append(info.functions, fn)
	}

	return info, nil
}

// FunctionByAddr returns the function whose entry point is addr, or
// nil.
func (i *Info) FunctionByAddr(addr uint64) *Function {
	for _, fn := range i.functions {
		if fn.LowPC == addr {
			return fn
		}
	}

	return nil
}

// FunctionName returns the name of a function record.
func FunctionName(fn *Function) string {
	if fn == nil {
		return ""
	}

	return fn.Name
}
