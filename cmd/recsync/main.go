// Command recsync inspects and edits synchronized record databases.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/recsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "recsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
