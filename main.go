package main

import (
	"fmt"
	"os"

	"ticket-client/cmd"
)

func main() {
	if err := cmd.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
