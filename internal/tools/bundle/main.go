package main

import (
	"bytes"
	"fmt"
	"os"

	"github.com/codename/focuscript/api"
	"github.com/codename/focuscript/artifact"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: bundle <output>")
		os.Exit(1)
	}

	output := os.Args[1]

	data, err := artifact.Bundle(api.Version, api.Surface())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if existing, err := os.ReadFile(output); err == nil && bytes.Equal(existing, data) {
		return
	}

	if err := os.WriteFile(output, data, 0o644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
