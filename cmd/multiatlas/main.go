// Command multiatlas warps the masks of several atlases into subject space
// and keeps the voxels that enough of them agree on.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"pituitarymask/internal/cli"
	"pituitarymask/internal/logging"
)

func main() {
	logging.New("multiatlas", false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{Mode: cli.Consensus}
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		stop()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("consensus segmentation failed")
	}
}
