package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/autonomys-go/subspace-node/hashing"
	"github.com/autonomys-go/subspace-node/pieces"
)

// dirBlockSource implements archivertask.BlockSource over a directory of
// files already in archival block encoding, one per block, named
// "<number>.block". It
// has no notion of a real header: parent/block roots are derived directly
// from each file's own bytes, which is enough to exercise the archiver
// task's reorg/gap checks against a self-consistent toy chain without a
// real block-import pipeline wired in.
type dirBlockSource struct {
	dir string
}

func newDirBlockSource(dir string) *dirBlockSource {
	return &dirBlockSource{dir: dir}
}

func (d *dirBlockSource) blockPath(number uint64) string {
	return filepath.Join(d.dir, fmt.Sprintf("%d.block", number))
}

func (d *dirBlockSource) BestBlockNumber(context.Context) (uint64, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("blocksource: read %q: %w", d.dir, err)
	}
	var best uint64
	found := false
	for _, e := range entries {
		name := strings.TrimSuffix(e.Name(), ".block")
		if name == e.Name() {
			continue // not a "<number>.block" entry
		}
		n, err := strconv.ParseUint(name, 10, 64)
		if err != nil {
			continue
		}
		if !found || n > best {
			best = n
			found = true
		}
	}
	if !found {
		return 0, fmt.Errorf("blocksource: no block files found in %q", d.dir)
	}
	return best, nil
}

func (d *dirBlockSource) EncodedBlock(_ context.Context, number uint64) ([]byte, error) {
	b, err := os.ReadFile(d.blockPath(number))
	if err != nil {
		return nil, fmt.Errorf("blocksource: read block %d: %w", number, err)
	}
	return b, nil
}

func (d *dirBlockSource) BlockRoot(ctx context.Context, number uint64) (pieces.RootHash, error) {
	b, err := d.EncodedBlock(ctx, number)
	if err != nil {
		return pieces.RootHash{}, err
	}
	return hashing.Sum(b), nil
}

func (d *dirBlockSource) HeaderParentRoot(ctx context.Context, number uint64) (pieces.RootHash, error) {
	if number == 0 {
		return pieces.RootHash{}, nil
	}
	return d.BlockRoot(ctx, number-1)
}

// StateRoot derives a toy state root from the block's own bytes, domain-
// separated from BlockRoot so the two never collide; there is no real
// state trie behind this directory-of-files source.
func (d *dirBlockSource) StateRoot(ctx context.Context, number uint64) (pieces.RootHash, error) {
	b, err := d.EncodedBlock(ctx, number)
	if err != nil {
		return pieces.RootHash{}, err
	}
	return hashing.Sum([]byte("state-root"), b), nil
}
