// pumount unmounts removable devices mounted with pmount.
package main

import (
	"context"
	"os"

	"github.com/MisterDA/pmount/internal/cli"
	"github.com/MisterDA/pmount/internal/privilege"
	"github.com/MisterDA/pmount/internal/process"
)

func main() {
	if err := (privilege.System{}).Drop(); err != nil {
		cli.FatalExit(err)
	}

	ctx, cancel := process.SignalContext(context.Background(), os.Interrupt)
	code := cli.Execute(ctx, cli.NewPumount())
	cancel()
	os.Exit(code)
}
