package main

import (
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/autonomys-go/subspace-node/pieces"
	"github.com/autonomys-go/subspace-node/segmentstore"
)

var segmentHeaderCommand = &cli.Command{
	Name:  "segment-header",
	Usage: "print one or more segment headers from a store",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "datadir", Usage: "segment header store directory", Required: true},
		&cli.Uint64Flag{Name: "index", Usage: "print the header at this segment index"},
		&cli.IntFlag{Name: "last", Usage: "print the N most recently archived headers instead of --index"},
	},
	Action: runSegmentHeader,
}

func runSegmentHeader(c *cli.Context) error {
	store, err := segmentstore.Open(c.String("datadir"))
	if err != nil {
		return fmt.Errorf("open segment header store: %w", err)
	}
	defer store.Close() //nolint:errcheck

	if n := c.Int("last"); n > 0 {
		headers, err := lastSegmentHeaders(store, n)
		if err != nil {
			return err
		}
		return printJSON(headers)
	}

	header, ok, err := store.GetByIndex(pieces.SegmentIndex(c.Uint64("index")))
	if err != nil {
		return fmt.Errorf("read segment header: %w", err)
	}
	if !ok {
		return fmt.Errorf("no segment header at index %d", c.Uint64("index"))
	}
	return printJSON(header)
}

// lastSegmentHeaders returns up to n headers, most recent first. It mirrors
// the rpcfarmer package's LastSegmentHeaders without depending on it, since
// this command only needs *segmentstore.Store, not the subscription layer.
func lastSegmentHeaders(store *segmentstore.Store, n int) ([]pieces.SegmentHeader, error) {
	maxIndex, ok := store.MaxIndex()
	if !ok {
		return nil, nil
	}
	out := make([]pieces.SegmentHeader, 0, n)
	for i := maxIndex; len(out) < n; {
		header, ok, err := store.GetByIndex(i)
		if err != nil {
			return nil, fmt.Errorf("read segment header %d: %w", i, err)
		}
		if ok {
			out = append(out, header)
		}
		if i == 0 {
			break
		}
		i--
	}
	return out, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
