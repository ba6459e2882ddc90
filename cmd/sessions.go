package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"sourcerer/internal/store"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions <project>",
	Short: "List chat sessions for a project",
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
		sessions, err := a.store.ListSessions(cmd.Context(), p.ID)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Printf("No sessions for project %q yet.\n", p.Name)
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 2, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUPDATED\tTITLE")
		for _, s := range sessions {
			title := s.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", s.ID[:8], s.UpdatedAt.Local().Format("2006-01-02 15:04"), title)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Println("\nResume one with 'sourcerer chat", p.Name, "--session <full id>'.")
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Print a session's transcript",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		msgs, err := a.store.ListMessages(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			label := "you"
			if m.Role == store.RoleAssistant {
				label = "assistant"
				if m.Partial {
					label = "assistant (partial)"
				}
			}
			fmt.Printf("[%s] %s:\n%s\n\n", m.CreatedAt.Local().Format("15:04:05"), label, m.Content)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd, historyCmd)
}
