// Command pituitarymask registers an atlas to a subject scan and warps the
// atlas pituitary mask into subject space.
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
	logging.New("pituitarymask", false)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.App{Mode: cli.Single}
	if err := app.Run(ctx, os.Args[1:]); err != nil {
		stop()
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		log.Fatal().Err(err).Msg("segmentation failed")
	}
}
