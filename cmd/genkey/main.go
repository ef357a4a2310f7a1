// genkey writes an Ed25519 key pair for MAGSASA-CARD JWT signing.
//
// Usage:
//
//	go run ./cmd/genkey -dir data
//
// Point MAGSASA_JWT_PRIVATE_KEY and MAGSASA_JWT_PUBLIC_KEY at the two files.
// Without them the server signs with an ephemeral key and every restart
// invalidates issued tokens.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/magsasa-card/magsasa/internal/auth"
)

func main() {
	dir := flag.String("dir", "data", "directory for jwt_private.pem and jwt_public.pem")
	flag.Parse()

	if err := os.MkdirAll(*dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot create %s: %v\n", *dir, err)
		os.Exit(1)
	}
	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	if err := auth.WriteKeyPair(privPath, pubPath); err != nil {
		if errors.Is(err, auth.ErrKeyExists) {
			fmt.Fprintf(os.Stderr, "error: %v (delete it first to rotate keys)\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}

	fmt.Printf("wrote %s and %s\n", privPath, pubPath)
}
