package main

import (
	"context"
	"errors"
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "worldchat: %v\n", err)
		os.Exit(1)
	}
}
