package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/autonomys-go/subspace-node/archivertask"
	"github.com/autonomys-go/subspace-node/log"
	"github.com/autonomys-go/subspace-node/params"
	"github.com/autonomys-go/subspace-node/segmentstore"
)

var archiveCommand = &cli.Command{
	Name:  "archive",
	Usage: "replay a directory of encoded blocks into the archival history",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "datadir", Usage: "segment header store directory", Required: true},
		&cli.StringFlag{Name: "blocks", Usage: "directory of <number>.block files to archive", Required: true},
		&cli.Uint64Flag{Name: "confirmations", Usage: "confirmation depth K before a block becomes archivable", Value: 100},
		&cli.BoolFlag{Name: "small-params", Usage: "use the reduced-scale test dimensions instead of mainnet's"},
	},
	Action: runArchive,
}

func resolveParams(c *cli.Context) params.Params {
	if c.Bool("small-params") {
		return params.Small
	}
	return params.MainnetParams
}

func runArchive(c *cli.Context) error {
	p := resolveParams(c)

	store, err := segmentstore.Open(c.String("datadir"))
	if err != nil {
		return fmt.Errorf("open segment header store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	blocks := newDirBlockSource(c.String("blocks"))

	task, err := archivertask.New(archivertask.Config{
		Params:             p,
		Store:              store,
		Blocks:             blocks,
		ConfirmationDepthK: c.Uint64("confirmations"),
	})
	if err != nil {
		return fmt.Errorf("build archiver task: %w", err)
	}

	l := log.Default().Module("cmd/archive")

	ctx := context.Background()
	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("start archiver task: %w", err)
	}

	lastArchived, have := task.LastArchivedBlock()
	if !have {
		l.Info("no blocks archived yet")
		return nil
	}
	maxIndex, ok := store.MaxIndex()
	if !ok {
		l.Info("replay complete, no segments produced yet", "lastArchivedBlock", lastArchived)
		return nil
	}
	l.Info("replay complete", "lastArchivedBlock", lastArchived, "maxSegmentIndex", maxIndex)
	return nil
}
