package main

import (
	"fmt"
	"os"

	"github.com/mgrif/pageforge/internal/pgutil"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run() error {
	connectionString, ok := os.LookupEnv("PAGEFORGE_POSTGRES_URL")
	if !ok {
		return fmt.Errorf("PAGEFORGE_POSTGRES_URL is unset")
	}

	if err := pgutil.Setup(connectionString); err != nil {
		return err
	}

	return nil
}
