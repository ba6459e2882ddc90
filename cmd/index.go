package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"sourcerer/internal/index"
	"sourcerer/internal/llm"
)

var flagWorkers int

var indexCmd = &cobra.Command{
	Use:   "index <project>",
	Short: "Bring a project's index in line with its source tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := llm.Ping(cmd.Context(), a.cfg.OllamaURL); err != nil {
			return fmt.Errorf("ollama unreachable at %s: %w", a.cfg.OllamaURL, err)
		}

		p, err := a.resolveProject(cmd, args[0])
		if err != nil {
			return err
		}

		if flagWorkers > 0 {
			a.cfg.Workers = flagWorkers
		}
		idx, err := index.New(a.store, a.embedder, a.cfg, a.logger)
		if err != nil {
			return err
		}

		fmt.Printf("Indexing %s (%s)...\n", p.Name, p.Root)
		stats, err := idx.Reindex(cmd.Context(), p.ID)

		if stats != nil {
			fmt.Printf("\nDone in %s\n", stats.Duration.Round(time.Millisecond))
			fmt.Printf("  Files:   %d scanned, %d added, %d changed, %d removed, %d unchanged\n",
				stats.FilesScanned, stats.FilesAdded, stats.FilesChanged, stats.FilesRemoved, stats.FilesUnchanged)
			if stats.FilesFailed > 0 {
				fmt.Printf("  Failed:  %d (will be retried next run)\n", stats.FilesFailed)
			}
			fmt.Printf("  Chunks:  %d embedded\n", stats.ChunksIndexed)
		}
		return err
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <project>",
	Short: "Show a project's indexing status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		p, err := a.resolveProject(cmd, args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Project:      %s\n", p.Name)
		fmt.Printf("Root:         %s\n", p.Root)
		fmt.Printf("Status:       %s\n", p.Status)
		fmt.Printf("Files:        %d\n", p.TotalFiles)
		if p.LastIndexed != nil {
			fmt.Printf("Last indexed: %s\n", p.LastIndexed.Local().Format(time.RFC1123))
		} else {
			fmt.Printf("Last indexed: never\n")
		}
		return nil
	},
}

func init() {
	indexCmd.Flags().IntVar(&flagWorkers, "workers", 0, "parallel workers (default: number of CPUs)")
	rootCmd.AddCommand(indexCmd, statusCmd)
}
