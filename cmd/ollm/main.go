package main

import (
	"context"
	"fmt"
	"os"

	"ollm/app"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Println(version)
		os.Exit(0)
	}

	ctx := context.Background()

	repl, err := app.Bootstrap(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ollm: %v\n", err)
		os.Exit(1)
	}

	if err := repl.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ollm: %v\n", err)
		os.Exit(1)
	}
}
