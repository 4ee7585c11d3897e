package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/tears-mysthrala/Oroitz/internal/types"
)

const (
	exitSuccess = 0
	exitError   = 1
	exitUsage   = 2
)

func main() {
	ctx := context.Background()

	if err := Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		var oerr *types.OroitzError
		if errors.As(err, &oerr) {
			switch oerr.Code {
			case types.CONFIG_LOAD_FAILED, types.CONFIG_PARSE_FAILED, types.CONFIG_VALIDATION_FAILED:
				os.Exit(exitUsage)
			}
		}
		os.Exit(exitError)
	}

	os.Exit(exitSuccess)
}
