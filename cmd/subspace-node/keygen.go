package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/autonomys-go/subspace-node/seal"
)

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "generate an Sr25519 plot key and print its public key",
	Action: func(c *cli.Context) error {
		var secretKey [32]byte
		if _, err := rand.Read(secretKey[:]); err != nil {
			return fmt.Errorf("read randomness: %w", err)
		}

		publicKey, err := seal.Derive(secretKey)
		if err != nil {
			return fmt.Errorf("derive public key: %w", err)
		}

		fmt.Printf("secretKey: %s\n", hex.EncodeToString(secretKey[:]))
		fmt.Printf("publicKey: %s\n", hex.EncodeToString(publicKey[:]))
		return nil
	},
}
