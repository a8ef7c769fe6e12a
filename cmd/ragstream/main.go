// Package main provides the ragstream CLI.
//
// Usage:
//
//	ragstream [global options] <command> [options]
//
// Exit codes for `ask`:
//   - 0: the answer completed
//   - 1: the server reported an error or the connection could not be kept
//   - 130: interrupted
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	app := newApp(os.Stdout, os.Stderr)
	app.ExitErrHandler = exitErrHandler
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "ragstream",
		Usage:     "Stream answers and watch tasks from a retrieval-augmented answer service",
		Version:   version,
		Writer:    stdout,
		ErrWriter: stderr,
		Flags:     globalFlags(),
		Commands: []*cli.Command{
			askCommand(),
			tasksCommand(),
			transcriptsCommand(),
		},
	}
}

// exitErrHandler preserves exit codes from cli.Exit.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
