// Command crmsync synchronizes local entities with the records of a remote
// CRM. See crmsync --help.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/crmsync/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.GetExitCode(err))
}
