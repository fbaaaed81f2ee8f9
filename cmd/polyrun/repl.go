package main

import (
	"io"
	"os"
	"path/filepath"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"polyrun/internal/client"
	"polyrun/internal/protocol"
)

var replCmd = &cobra.Command{
	Use:   "repl [file]",
	Short: "Interactive session with line editing",
	Long: `Start the language's REPL remotely, optionally preloading a file.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)

Press Ctrl+D to close the program's stdin and end the session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRepl,
}

func init() {
	replCmd.Flags().StringP("code", "c", "", "Code to preload")
	replCmd.Flags().String("history", "", "History file path (default: ~/.polyrun_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args, false)
	if err != nil {
		return err
	}
	filename := ""
	if len(args) > 0 {
		filename = args[0]
	}
	lang, err := resolveLanguage(cmd, filename)
	if err != nil {
		return err
	}

	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".polyrun_history")
	}

	// The remote REPL prints its own prompt.
	rl, err := readline.NewEx(&readline.Config{
		Prompt:            "",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		HistorySearchFold: true,
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	ctx := cmd.Context()
	conn, err := newClient(cmd).Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	term, err := conn.Run(ctx, protocol.SessionStartPayload{Language: lang, Source: source, Interactive: true},
		rl.Stdout(), rl.Stderr(), func(id string) {
			go relayLines(rl, conn, id)
		})
	if err != nil {
		return err
	}
	return exitStatus(term)
}

// relayLines sends each edited line to the session. Ctrl+D closes the
// session's stdin.
func relayLines(rl *readline.Instance, conn *client.Conn, sessionID string) {
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			continue
		}
		if err == io.EOF {
			conn.Input(sessionID, nil, true)
			return
		}
		if err != nil {
			return
		}
		if conn.Input(sessionID, []byte(line+"\n"), false) != nil {
			return
		}
	}
}
