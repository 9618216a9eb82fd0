package main

import (
	"github.com/urfave/cli/v2"

	"github.com/autonomys-go/subspace-node/params"
)

var paramsCommand = &cli.Command{
	Name:  "params",
	Usage: "print the resolved archival/erasure dimensions",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "small-params", Usage: "print the reduced-scale test dimensions instead of mainnet's"},
	},
	Action: func(c *cli.Context) error {
		p := resolveParams(c)
		return printJSON(struct {
			params.Params
			RecordSize                 int
			NumPieces                  int
			NumSBuckets                int
			PieceSize                  int
			RecordedHistorySegmentSize int
		}{
			Params:                     p,
			RecordSize:                 p.RecordSize(),
			NumPieces:                  p.NumPieces(),
			NumSBuckets:                p.NumSBuckets(),
			PieceSize:                  p.PieceSize(),
			RecordedHistorySegmentSize: p.RecordedHistorySegmentSize(),
		})
	},
}
