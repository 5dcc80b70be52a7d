package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/fatih/color"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

var (
	flagConfig  string
	flagVerbose int
	flagLogFile string
)

var rootCmd = &cobra.Command{
	Use:   "stitch",
	Short: "Static ELF binary rewriter",
	Long: `Stitch parses ELF binaries into an editable model, grafts compiled
object files into them, edits their library dependencies, and writes
out a valid ELF file whose load image keeps the original program's
addressing assumptions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func setupLogging() error {
	level := slog.LevelWarn
	switch {
	case flagVerbose >= 2:
		level = slog.LevelDebug
	case flagVerbose == 1:
		level = slog.LevelInfo
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	}

	if flagLogFile != "" {
		f, err := os.OpenFile(flagLogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		// The file always gets the full debug stream, whatever the
		// console level is
		handlers = append(handlers, slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	slog.SetDefault(slog.New(slogmulti.Fanout(handlers...)))

	return nil
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().CountVarP(&flagVerbose, "verbose", "v", "increase verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "also write a debug log to this file")

	rootCmd.AddCommand(patchCmd, inspectCmd)

	if err := rootCmd.Execute(); err != nil {
		color.Red("error: %v", err)
		os.Exit(1)
	}
}
