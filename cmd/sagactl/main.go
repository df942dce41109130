// Command sagactl inspects and operates sagakit saga executions.
package main

import (
	"context"
	"os"

	"github.com/kbukum/sagakit/cli"
)

func main() {
	if err := cli.NewRootCommand(nil).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
