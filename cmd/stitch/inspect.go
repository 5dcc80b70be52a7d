package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/davejbax/stitch/internal/bin"
	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var inspectAllMembers bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <binary>",
	Short: "Print the parsed model of an ELF binary or archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectAllMembers, "all-members", false, "inspect every member of an archive")
}

func runInspect(cmd *cobra.Command, args []string) error {
	files, err := elfbin.OpenAny(args[0], inspectAllMembers)
	if err != nil {
		return err
	}

	for _, f := range files {
		printFile(f)
	}

	return nil
}

func printFile(f *elfbin.File) {
	bf := f.Bin

	heading := color.New(color.Bold)
	heading.Printf("%s: %s %s, %d-bit, %d sections, %d segments\n",
		bf.Path(), f.Arch.Name, bf.Type(), bf.WordSize(), bf.NumSections(), bf.NumSegments())

	w := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)

	heading.Println("\nSections:")
	fmt.Fprintln(w, "  IDX\tNAME\tTYPE\tADDR\tOFFSET\tSIZE\tALIGN")
	for _, s := range bf.Sections() {
		if s.Index() == 0 {
			continue
		}

		fmt.Fprintf(w, "  %d\t%s\t%s\t0x%x\t0x%x\t0x%x\t%d\n",
			s.Index(), s.Name(), s.Type(), s.Addr(), s.Offset(), s.Size(), s.Align())
	}
	w.Flush()

	heading.Println("\nSegments:")
	fmt.Fprintln(w, "  IDX\tKIND\tVADDR\tOFFSET\tFILESZ\tMEMSZ\tSECTIONS")
	for i, p := range bf.Segments() {
		fmt.Fprintf(w, "  %d\t%#x\t0x%x\t0x%x\t0x%x\t0x%x\t%d\n",
			i, p.Kind(), p.Vaddr(), p.Offset(), p.FileSize(), p.MemSize(), len(p.Sections()))
	}
	w.Flush()

	if libs := bf.ExternLibraryNames(); len(libs) > 0 {
		heading.Println("\nExternal libraries:")
		for _, lib := range libs {
			fmt.Printf("  %s\n", lib)
		}
	}

	heading.Println("\nLabels:")
	count := 0
	for _, l := range bf.Labels() {
		if l.Name() == "" {
			continue
		}

		name := l.Name()
		if l.Type() == bin.LabelExtFunction {
			name += bin.ExtLabelSuffix
		}

		fmt.Fprintf(w, "  %s\t%s\t0x%x\n", name, l.Type(), l.Addr())
		count++

		if count >= 50 {
			fmt.Fprintf(w, "  ... %d more\n", len(bf.Labels())-count)
			break
		}
	}
	w.Flush()
	fmt.Println()
}
