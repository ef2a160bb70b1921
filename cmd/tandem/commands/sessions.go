package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tandemlab/tandem/pkg/tandem/navigator"
)

// newSessionsCmd creates the `tandem sessions` command group.
func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
		Long: `List, inspect, resume, and clean up stored sessions.

Examples:
  tandem sessions list
  tandem sessions show 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  tandem sessions resume 1b4e28ba-2fa1-11d2-883f-0016d3cca427
  tandem sessions prune`,
	}

	cmd.AddCommand(
		newSessionsListCmd(),
		newSessionsShowCmd(),
		newSessionsResumeCmd(),
		newSessionsDeleteCmd(),
		newSessionsPruneCmd(),
	)
	return cmd
}

// openStore loads config and opens the session store for one subcommand.
func openStore(cmd *cobra.Command) (*navigator.Store, error) {
	cfg, _, err := resolveConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd, cfg, true)
	store, err := navigator.NewStore(cfg.Sessions, logger)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	return store, nil
}

func newSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			infos, err := store.SessionsInfo()
			if err != nil {
				return fmt.Errorf("listing sessions: %w", err)
			}
			if len(infos) == 0 {
				fmt.Println("no sessions stored")
				return nil
			}

			for _, info := range infos {
				name := info.Name
				if name == "" {
					name = "(unnamed)"
				}
				fmt.Printf("%s  %-20s  %4d msgs  updated %s\n",
					info.ID, name, info.MessageCount,
					info.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
}

func newSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <session-id>",
		Short: "Print a session's stored conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			sess, err := store.LoadSession(args[0])
			if err != nil {
				return fmt.Errorf("loading session: %w", err)
			}

			fmt.Printf("session %s", sess.ID)
			if sess.Name != "" {
				fmt.Printf(" (%s)", sess.Name)
			}
			fmt.Printf("\ncreated %s, updated %s, workdir %s\n\n",
				sess.CreatedAt.Format(time.RFC3339),
				sess.UpdatedAt.Format(time.RFC3339),
				sess.WorkDir)

			for _, m := range sess.Messages {
				label := string(m.Role)
				if m.Role == navigator.RoleTool && m.Name != "" {
					label = "tool:" + m.Name
				}
				if m.Partial {
					label += " (partial)"
				}
				if m.IsInterjection {
					label += " (interjection)"
				}
				ts := ""
				if !m.Timestamp.IsZero() {
					ts = m.Timestamp.Format("15:04:05") + " "
				}
				fmt.Printf("-- %s%s --\n", ts, label)
				if m.Content != "" {
					fmt.Println(m.Content)
				}
				for _, tc := range m.ToolCalls {
					fmt.Printf("[call %s %s]\n", tc.ID, tc.Function.Name)
				}
				fmt.Println()
			}

			if len(sess.Todos) > 0 {
				fmt.Println("todos:")
				for _, t := range sess.Todos {
					fmt.Printf("- [%s] %s\n", t.Status, t.Content)
				}
			}
			return nil
		},
	}
}

func newSessionsResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Open the interactive REPL on a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatSession(cmd, args[0], "")
		},
	}
}

func newSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a stored session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.DeleteSession(args[0]); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
			fmt.Printf("session %s deleted\n", args[0])
			return nil
		},
	}
}

func newSessionsPruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest sessions beyond the retention limit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.PruneSessions("")
			if err != nil {
				return fmt.Errorf("pruning sessions: %w", err)
			}
			if pruned == 0 {
				fmt.Println("nothing to prune")
			} else {
				fmt.Printf("pruned %d session(s)\n", pruned)
			}
			return nil
		},
	}
}
