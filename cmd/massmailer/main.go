// Command massmailer selects recipients with a query, renders a template
// per recipient and delivers the batch.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/roach88/massmailer/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if !errors.As(err, &exitErr) {
			// Cobra usage errors are not reported by the commands themselves
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(cli.GetExitCode(err))
	}
}
