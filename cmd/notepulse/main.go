// Command notepulse runs the NotePulse relay and document tooling.
package main

import (
	"os"

	"github.com/roach88/notepulse/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
