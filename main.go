package main

import (
	"context"
	"os"

	"github.com/fatih/color"

	"github.com/A-new/reopt/cmd"
)

func main() {
	if err := cmd.Execute(context.Background()); err != nil {
		color.Red("reopt: %v", err)
		os.Exit(1)
	}
}
