// pmount mounts removable devices without root privileges.
package main

import (
	"context"
	"os"

	"github.com/MisterDA/pmount/internal/cli"
	"github.com/MisterDA/pmount/internal/privilege"
	"github.com/MisterDA/pmount/internal/process"
)

func main() {
	// The binary is installed setuid root. Drop to the invoking user right
	// away; individual operations raise again only for their own critical
	// sections.
	if err := (privilege.System{}).Drop(); err != nil {
		cli.FatalExit(err)
	}

	ctx, cancel := process.SignalContext(context.Background(), os.Interrupt)
	code := cli.Execute(ctx, cli.NewPmount())
	cancel()
	os.Exit(code)
}
