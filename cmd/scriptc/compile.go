package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/MrWong99/podscript/internal/compiler"
	"github.com/MrWong99/podscript/internal/emit"
	"github.com/MrWong99/podscript/internal/reconcile"
	"github.com/MrWong99/podscript/internal/session"
	"github.com/MrWong99/podscript/internal/upstream"
	"github.com/MrWong99/podscript/pkg/script"
)

var (
	compileClips   string
	compileContext string
	compileChunk   int
	compilePlain   bool
	compileStats   bool
)

var compileCmd = &cobra.Command{
	Use:   "compile [transcript]",
	Short: "Compile saved model output into a script",
	Long: `Reads raw model output from the given file, or from stdin when no file or
"-" is given, and writes the compiled script as JSON Lines to stdout.

Clips come from a JSON array of {"id", "content"} objects (--clips), from a
saved session document (--context), or both.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCompile,
}

func init() {
	compileCmd.Flags().StringVarP(&compileClips, "clips", "c", "", "JSON file with the clip catalogue")
	compileCmd.Flags().StringVar(&compileContext, "context", "", "session context.json whose user messages become clips")
	compileCmd.Flags().IntVar(&compileChunk, "chunk", upstream.DefaultChunkSize, "bytes fed to the extractor per fragment")
	compileCmd.Flags().BoolVar(&compilePlain, "plain", false, "omit the trailing [DONE] line")
	compileCmd.Flags().BoolVar(&compileStats, "stats", false, "print a compilation summary to stderr")
	rootCmd.AddCommand(compileCmd)
}

func runCompile(cmd *cobra.Command, args []string) error {
	if compileChunk <= 0 {
		return fmt.Errorf("--chunk must be positive, got %d", compileChunk)
	}

	clips, err := loadClips(compileClips, compileContext)
	if err != nil {
		return err
	}

	in := cmd.InOrStdin()
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open transcript: %w", err)
		}
		defer f.Close()
		in = f
	}

	var opts []emit.LineOption
	if compilePlain {
		opts = append(opts, emit.WithoutDoneMarker())
	}
	sink := emit.NewLineWriter(cmd.OutOrStdout(), opts...)
	src := upstream.ReaderSource{R: in, ChunkSize: compileChunk}

	sum, err := compiler.New().Compile(cmd.Context(), src, clips, sink)
	if compileStats {
		printSummary(cmd, sum, len(clips))
	}
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	if sum.Err != nil {
		return fmt.Errorf("read transcript: %w", sum.Err)
	}
	return nil
}

// loadClips gathers the catalogue from a clip list file and a session
// document, in that order.
func loadClips(clipsPath, contextPath string) ([]script.Clip, error) {
	var clips []script.Clip
	if clipsPath != "" {
		data, err := os.ReadFile(clipsPath)
		if err != nil {
			return nil, fmt.Errorf("read clips: %w", err)
		}
		if err := sonic.Unmarshal(data, &clips); err != nil {
			return nil, fmt.Errorf("decode clips %s: %w", clipsPath, err)
		}
	}
	if contextPath != "" {
		data, err := os.ReadFile(contextPath)
		if err != nil {
			return nil, fmt.Errorf("read context: %w", err)
		}
		var sess session.Session
		if err := sonic.Unmarshal(data, &sess); err != nil {
			return nil, fmt.Errorf("decode context %s: %w", contextPath, err)
		}
		clips = append(clips, session.ClipsFromMessages(sess.Messages)...)
	}
	return clips, nil
}

func printSummary(cmd *cobra.Command, sum compiler.Summary, clips int) {
	cmd.PrintErrf("outcome:   %s\n", sum.Outcome)
	cmd.PrintErrf("clips:     %d\n", clips)
	cmd.PrintErrf("fragments: %d\n", sum.Fragments)
	cmd.PrintErrf("records:   %d\n", sum.Records)
	cmd.PrintErrf("malformed: %d\n", sum.Extract.Malformed)

	rules := make([]reconcile.Rule, 0, len(sum.Rules))
	for r := range sum.Rules {
		rules = append(rules, r)
	}
	slices.Sort(rules)
	for _, r := range rules {
		cmd.PrintErrf("  %-11s %d\n", r.String()+":", sum.Rules[r])
	}
}
