package main

import (
	"errors"
	"io"

	"github.com/spf13/cobra"

	"polyrun/internal/client"
	"polyrun/internal/protocol"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run a program and stream its output",
	Long: `Compile (when the language needs it) and run a program remotely.

Source can be provided via:
  - File argument: polyrun run main.py
  - Inline flag:   polyrun run -l python -c 'print(1+1)'
  - Stdin:         echo 'print(1+1)' | polyrun run -l python

Without --stdin the program's stdin is closed right away. The command
exits with the program's exit status.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().Bool("stdin", false, "Forward local stdin to the program (source must come from a file or --code)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	forward, _ := cmd.Flags().GetBool("stdin")
	source, err := readSource(cmd, args, !forward)
	if err != nil {
		return err
	}
	if forward && source == "" {
		return errors.New("--stdin needs the source from a file or --code")
	}

	filename := ""
	if len(args) > 0 {
		filename = args[0]
	}
	lang, err := resolveLanguage(cmd, filename)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	conn, err := newClient(cmd).Connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Without --stdin the program sees an empty stdin, so run templates that
	// fall into a REPL afterwards still exit.
	started := func(id string) {
		conn.Input(id, nil, true)
	}
	if forward {
		in := cmd.InOrStdin()
		started = func(id string) {
			go forwardInput(conn, id, in)
		}
	}

	term, err := conn.Run(ctx, protocol.SessionStartPayload{Language: lang, Source: source},
		cmd.OutOrStdout(), cmd.ErrOrStderr(), started)
	if err != nil {
		return err
	}
	return exitStatus(term)
}

// forwardInput copies r to the session's stdin and closes it at EOF.
func forwardInput(conn *client.Conn, sessionID string, r io.Reader) {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if conn.Input(sessionID, append([]byte(nil), buf[:n]...), false) != nil {
				return
			}
		}
		if err != nil {
			conn.Input(sessionID, nil, true)
			return
		}
	}
}
