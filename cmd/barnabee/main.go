// Command barnabee is the entry point for the Barnabee request core: the
// serve loop plus the operational subcommands (migrate, ingest-golden,
// sync-entities, improve-now).
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/barnabee-home/barnabee/internal/orchestrator"
	"github.com/barnabee-home/barnabee/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	err := newRootCmd().Execute()
	if err == nil {
		return 0
	}
	fmt.Fprintf(os.Stderr, "barnabee: %v\n", err)
	switch {
	case errors.Is(err, orchestrator.ErrConfiguration):
		return 2
	case errors.Is(err, orchestrator.ErrTransientUpstream):
		return 3
	case errors.Is(err, orchestrator.ErrCorruption), errors.Is(err, store.ErrCorrupt):
		return 4
	}
	return 1
}
