package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/davejbax/stitch/internal/elfbin"
	"github.com/davejbax/stitch/internal/graft"
	"github.com/davejbax/stitch/internal/layout"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	flagOutput     string
	flagAddLibs    []string
	flagRenames    []string
	flagInserts    []string
	flagAllMembers bool
)

var patchCmd = &cobra.Command{
	Use:   "patch <binary>...",
	Short: "Apply modifications to one or more ELF binaries",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPatch,
}

func init() {
	patchCmd.Flags().StringVarP(&flagOutput, "output", "o", "", "output path (single input only)")
	patchCmd.Flags().StringArrayVar(&flagAddLibs, "add-library", nil, "add a library dependency (repeatable)")
	patchCmd.Flags().StringArrayVar(&flagRenames, "rename-library", nil, "rename a dependency, as old=new (repeatable)")
	patchCmd.Flags().StringArrayVar(&flagInserts, "insert", nil, "graft an object file (repeatable)")
	patchCmd.Flags().BoolVar(&flagAllMembers, "all-members", false, "patch every member of an archive input")
}

func runPatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(flagConfig)
	if err != nil {
		return err
	}

	cfg.AddLibraries = append(cfg.AddLibraries, flagAddLibs...)
	cfg.Inserts = append(cfg.Inserts, flagInserts...)
	cfg.AllMembers = cfg.AllMembers || flagAllMembers

	if cfg.Renames == nil {
		cfg.Renames = make(map[string]string)
	}

	for _, pair := range flagRenames {
		from, to, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid rename %q: want old=new", pair)
		}

		checkRenameVersions(from, to)
		cfg.Renames[from] = to
	}

	if flagOutput != "" && len(args) > 1 {
		return fmt.Errorf("--output is ambiguous with %d inputs", len(args))
	}

	var group errgroup.Group

	for _, input := range args {
		input := input

		group.Go(func() error {
			output := flagOutput
			if output == "" {
				output = input + cfg.OutputSuffix
			}

			if err := patchOne(input, output, cfg); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}

			return nil
		})
	}

	return group.Wait()
}

func patchOne(input string, output string, cfg *config) error {
	base, err := elfbin.Open(input)
	if err != nil {
		return err
	}
	defer base.Bin.Close()

	session, err := base.PatchBegin()
	if err != nil {
		return err
	}

	for _, lib := range cfg.AddLibraries {
		if err := session.AddLibrary(lib); err != nil {
			session.Bin.PatchAbort()
			return err
		}
	}

	for from, to := range cfg.Renames {
		if err := session.RenameLibrary(from, to); err != nil {
			session.Bin.PatchAbort()
			return err
		}
	}

	var objs []*elfbin.File
	for _, path := range cfg.Inserts {
		files, err := elfbin.OpenAny(path, cfg.AllMembers)
		if err != nil {
			session.Bin.PatchAbort()
			return err
		}

		objs = append(objs, files...)
	}

	// Grafting runs the layout pass itself; a session that only edits
	// tables still needs offsets settled before writing
	if len(objs) > 0 {
		err = graft.Graft(session, objs)
	} else {
		err = layout.Finalise(session)
	}

	if err != nil {
		session.Bin.PatchAbort()
		return err
	}

	if err := session.WriteFile(output); err != nil {
		session.Bin.PatchAbort()
		return err
	}

	slog.Info("patched binary",
		"input", input,
		"output", output,
		"libraries", len(cfg.AddLibraries),
		"renames", len(cfg.Renames),
		"inserts", len(objs),
	)

	return nil
}
