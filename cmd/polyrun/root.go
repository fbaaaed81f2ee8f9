package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"polyrun/internal/client"
	"polyrun/internal/protocol"
)

const defaultServer = "http://localhost:8420"

var rootCmd = &cobra.Command{
	Use:   "polyrun",
	Short: "Run code in any of the server's languages",
	Long: `polyrun - client for a polyrun execution server.

Source runs remotely in a fresh workspace; output streams back as it is
produced. Use "run" for a one-shot program and "repl" for an interactive
session with line editing.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitError carries the exit status of a remote program.
type exitError struct {
	code    int
	message string
}

func (e *exitError) Error() string {
	if e.message != "" {
		return e.message
	}
	return fmt.Sprintf("exit status %d", e.code)
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.message != "" {
			fmt.Fprintln(os.Stderr, ee.message)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func init() {
	server := os.Getenv("POLYRUN_SERVER")
	if server == "" {
		server = defaultServer
	}
	rootCmd.PersistentFlags().String("server", server, "Server URL (env POLYRUN_SERVER)")
	rootCmd.PersistentFlags().StringP("lang", "l", "", "Language key (default: detect from file extension)")
}

func newClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	return client.New(server)
}

// readSource returns the program text from --code, the file argument, or
// stdin when allowed, in that order.
func readSource(cmd *cobra.Command, args []string, allowStdin bool) (string, error) {
	if code, _ := cmd.Flags().GetString("code"); code != "" {
		return code, nil
	}
	if len(args) > 0 {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("read source: %w", err)
		}
		return string(data), nil
	}
	if !allowStdin {
		return "", nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

// resolveLanguage returns --lang, or the language whose main file shares
// the extension of filename.
func resolveLanguage(cmd *cobra.Command, filename string) (string, error) {
	if lang, _ := cmd.Flags().GetString("lang"); lang != "" {
		return lang, nil
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return "", errors.New("language required: use --lang")
	}

	infos, err := newClient(cmd).Languages(cmd.Context())
	if err != nil {
		return "", err
	}
	return detectLanguage(infos, ext)
}

func detectLanguage(infos []protocol.LanguageInfo, ext string) (string, error) {
	var matches []string
	for _, info := range infos {
		if strings.ToLower(filepath.Ext(info.Main)) == ext {
			matches = append(matches, info.Key)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no language uses %s files: use --lang", ext)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%s matches %s: use --lang", ext, strings.Join(matches, ", "))
	}
}

// exitStatus maps a terminated session onto the CLI's own exit status.
func exitStatus(term protocol.SessionTerminatedPayload) error {
	if term.Reason == "exited" && term.ExitCode != nil {
		if *term.ExitCode == 0 {
			return nil
		}
		return &exitError{code: *term.ExitCode}
	}
	code := 1
	if term.ExitCode != nil && *term.ExitCode > 0 {
		code = *term.ExitCode
	}
	msg := "session " + term.Reason
	if term.Message != "" {
		msg += ": " + term.Message
	}
	return &exitError{code: code, message: msg}
}
