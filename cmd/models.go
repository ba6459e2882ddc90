package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sourcerer/internal/llm"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available on the Ollama server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		models, err := llm.ListModels(cmd.Context(), cfg.OllamaURL)
		if err != nil {
			return fmt.Errorf("list models from %s: %w", cfg.OllamaURL, err)
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tSIZE")
		for _, m := range models {
			fmt.Fprintf(w, "%s\t%.1f GB\n", m.Name, float64(m.Size)/(1<<30))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
}
