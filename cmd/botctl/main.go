package main

import (
	"os"

	"github.com/oremus-labs/ol-bot-manager/internal/botctl"
)

func main() {
	if err := botctl.Execute(); err != nil {
		if err != botctl.ErrCommandFailed {
			os.Stderr.WriteString("Error: " + err.Error() + "\n")
		}
		os.Exit(1)
	}
}
