// Command subspace-node is an offline batch-archiving and key utility
// built on top of this module's core pipeline: it exercises the Archiver
// (C3), segment header store (C4), Archiver Task (C8) and Sr25519 plot-key
// tooling (package seal) against block files on disk, without requiring
// the P2P networking, transaction pool or RPC façade the rest of a real
// node depends on (spec.md §1 names those as out-of-scope collaborators).
//
// Usage:
//
//	subspace-node archive --datadir ./data --blocks ./blocks --confirmations 100
//	subspace-node segment-header --datadir ./data --index 3
//	subspace-node keygen
//	subspace-node params
//
// --log-format (json, text or color) controls every command's logging.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/autonomys-go/subspace-node/log"
	"github.com/urfave/cli/v2"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "subspace-node",
		Usage:   "archival pipeline tooling for a sharded proof-of-space-plus-proof-of-time chain",
		Version: fmt.Sprintf("%s (%s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-format",
				Usage: "log output format: json, text or color",
				Value: "json",
			},
		},
		Before: func(c *cli.Context) error {
			log.SetDefault(log.NewWithFormat(slog.LevelInfo, c.String("log-format")))
			return nil
		},
		Commands: []*cli.Command{
			archiveCommand,
			segmentHeaderCommand,
			keygenCommand,
			paramsCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "subspace-node: %v\n", err)
		os.Exit(1)
	}
}
