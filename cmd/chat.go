package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"sourcerer/internal/chat"
	"sourcerer/internal/llm"
	"sourcerer/internal/retriever"
	"sourcerer/internal/store"
)

var (
	flagSession string
	flagRender  bool
)

var (
	promptStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var chatCmd = &cobra.Command{
	Use:   "chat <project>",
	Short: "Ask questions about an indexed project",
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
		if p.Status != store.StatusReady {
			fmt.Println(dimStyle.Render(fmt.Sprintf(
				"Note: project status is %q. Run 'sourcerer index %s' for up-to-date answers.", p.Status, p.Name)))
		}

		ret, err := retriever.New(a.embedder, a.store, a.cfg, a.logger)
		if err != nil {
			return err
		}
		orch := chat.New(a.store, ret, a.llm, a.cfg, a.logger)

		sess, err := resumeOrCreateSession(cmd.Context(), a.store, p.ID)
		if err != nil {
			return err
		}

		var renderer *glamour.TermRenderer
		if flagRender {
			renderer, err = glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(100))
			if err != nil {
				return err
			}
		}

		fmt.Printf("sourcerer chat — project %s, session %s\n", p.Name, sess.ID[:8])
		fmt.Println(dimStyle.Render("Type /help for commands, /exit to quit. Ctrl+C interrupts a running answer."))
		fmt.Println()

		in := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print(promptStyle.Render("> "))
			if !in.Scan() {
				break
			}
			question := strings.TrimSpace(in.Text())
			if question == "" {
				continue
			}

			switch question {
			case "/exit", "/quit":
				fmt.Println("Goodbye.")
				return nil
			case "/new":
				sess, err = a.store.CreateSession(cmd.Context(), p.ID, "")
				if err != nil {
					return err
				}
				fmt.Println(dimStyle.Render("Started session " + sess.ID[:8]))
				continue
			case "/help":
				fmt.Println("Commands:")
				fmt.Println("  /new    - start a fresh session")
				fmt.Println("  /exit   - quit chat")
				fmt.Println("  /help   - show this help")
				continue
			}

			if err := askOnce(cmd.Context(), orch, sess.ID, question, renderer); err != nil {
				fmt.Fprintln(os.Stderr, errStyle.Render("error: "+err.Error()))
			}
		}
		return in.Err()
	},
}

// askOnce runs one question through the orchestrator. Ctrl+C cancels only the
// in-flight generation; the partial answer stays in the session history.
func askOnce(parent context.Context, orch *chat.Orchestrator, sessionID, question string, renderer *glamour.TermRenderer) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt)
	defer stop()

	reply, err := orch.Send(ctx, sessionID, question)
	if err != nil {
		return err
	}

	fmt.Println()
	var buf strings.Builder
	for delta := range reply.Deltas() {
		buf.WriteString(delta)
		if renderer == nil {
			fmt.Print(delta)
		}
	}

	msg, err := reply.Wait()
	switch {
	case err == nil:
		if renderer != nil {
			out, rerr := renderer.Render(buf.String())
			if rerr != nil {
				out = buf.String()
			}
			fmt.Print(out)
		}
		fmt.Println()
		if msg != nil && len(msg.ContextFiles) > 0 {
			fmt.Println(dimStyle.Render(fmt.Sprintf("[%d files, %dms] %s",
				len(msg.ContextFiles), msg.LatencyMS, strings.Join(msg.ContextFiles, ", "))))
		}
		fmt.Println()
		return nil
	case errors.Is(err, context.Canceled):
		fmt.Println()
		fmt.Println(dimStyle.Render("[interrupted — partial answer kept]"))
		fmt.Println()
		return nil
	default:
		fmt.Println()
		return err
	}
}

// resumeOrCreateSession honors --session, otherwise opens a new one.
func resumeOrCreateSession(ctx context.Context, st store.Store, projectID int64) (*store.Session, error) {
	if flagSession == "" {
		return st.CreateSession(ctx, projectID, "")
	}
	sess, err := st.GetSession(ctx, flagSession)
	if err != nil {
		return nil, fmt.Errorf("resume session %s: %w", flagSession, err)
	}
	if sess.ProjectID != projectID {
		return nil, fmt.Errorf("session %s belongs to a different project", flagSession)
	}
	return sess, nil
}

func init() {
	chatCmd.Flags().StringVar(&flagSession, "session", "", "resume an existing session by id")
	chatCmd.Flags().BoolVar(&flagRender, "render", false, "render answers as markdown instead of streaming raw text")
	rootCmd.AddCommand(chatCmd)
}
