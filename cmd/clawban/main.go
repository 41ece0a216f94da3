package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/arctek/clawban/cmd/clawban/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if strings.Contains(err.Error(), "unknown command") {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
