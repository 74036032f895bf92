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
	"sync"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/michaelbrown/coderelay/internal/client"
	"github.com/michaelbrown/coderelay/internal/protocol"
)

var (
	addrFlag     string
	languageFlag string
)

var runCmd = &cobra.Command{
	Use:   "run [file|-]",
	Short: "Send a program to a relay and print its output",
	Long: `Send a program to a running relay and print every line it produces.

The program is read from the named file, or from stdin when the argument is
"-" or omitted. With no argument and a terminal on stdin, run starts a
prompt: type a program, then an empty line to send it. Each program goes
over its own connection. Ctrl+C stops the running program, or clears the
pending lines, or exits at an empty prompt.

Examples:
  coderelay run hello.js
  echo 'console.log(1)' | coderelay run --addr 127.0.0.1:9000
  coderelay run`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&addrFlag, "addr", "", "Relay address (default server.addr from config)")
	runCmd.Flags().StringVar(&languageFlag, "language", "javascript", "Language tag sent with the program")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	addr := addrFlag
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.Server.Addr
	}

	if len(args) == 0 && readline.DefaultIsTerminal() {
		return runInteractive(cmd.Context(), addr, cmd.OutOrStdout())
	}

	code, err := readSource(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return runProgram(ctx, addr, languageFlag, string(code), cmd.OutOrStdout())
}

func readSource(stdin io.Reader, args []string) ([]byte, error) {
	if len(args) == 0 || args[0] == "-" {
		code, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("reading program from stdin: %w", err)
		}
		return code, nil
	}
	code, err := os.ReadFile(args[0])
	if err != nil {
		return nil, fmt.Errorf("reading program: %w", err)
	}
	return code, nil
}

// lineReader is the part of *readline.Instance the prompt loop uses.
type lineReader interface {
	Readline() (string, error)
	SetPrompt(prompt string)
}

func runInteractive(ctx context.Context, addr string, out io.Writer) error {
	prompt := languageFlag + "> "
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), "coderelay_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline: %w", err)
	}
	defer rl.Close()

	// Ctrl+C cancels the running program, not the prompt. While reading a
	// line readline owns the terminal and reports it as ErrInterrupt.
	var (
		mu        sync.Mutex
		reqCancel context.CancelFunc
	)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			mu.Lock()
			if reqCancel != nil {
				reqCancel()
			}
			mu.Unlock()
		}
	}()

	submit := func(code string) error {
		reqCtx, cancel := context.WithCancel(ctx)
		mu.Lock()
		reqCancel = cancel
		mu.Unlock()
		defer func() {
			mu.Lock()
			reqCancel = nil
			mu.Unlock()
			cancel()
		}()

		return runProgram(reqCtx, addr, languageFlag, code, out)
	}
	return promptLoop(rl, prompt, out, submit)
}

// promptLoop collects lines until an empty one and hands the program to
// submit. A failed submit is reported and the loop carries on.
func promptLoop(in lineReader, prompt string, out io.Writer, submit func(code string) error) error {
	var pending []string
	for {
		if len(pending) == 0 {
			in.SetPrompt(prompt)
		} else {
			in.SetPrompt("... ")
		}

		line, err := in.Readline()
		switch {
		case errors.Is(err, readline.ErrInterrupt):
			if len(pending) == 0 {
				return nil
			}
			pending = pending[:0]
			continue
		case errors.Is(err, io.EOF):
			if len(pending) > 0 {
				runSnippet(pending, out, submit)
			}
			return nil
		case err != nil:
			return err
		}

		if strings.TrimSpace(line) != "" {
			pending = append(pending, line)
			continue
		}
		if len(pending) == 0 {
			continue
		}
		runSnippet(pending, out, submit)
		pending = pending[:0]
	}
}

func runSnippet(lines []string, out io.Writer, submit func(code string) error) {
	code := strings.Join(lines, "\n") + "\n"
	if err := submit(code); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, "(interrupted)")
			return
		}
		fmt.Fprintf(out, "error: %v\n", err)
	}
}

func runProgram(ctx context.Context, addr, language, code string, out io.Writer) error {
	return client.Run(ctx, addr, protocol.Message{
		Kind:     protocol.KindExecution,
		Language: language,
		Code:     []byte(code),
	}, out)
}
