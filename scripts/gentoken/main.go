// gentoken generates the Ed25519 signing key pair for Sorami JWTs (if
// missing) and issues a workspace token for local development.
//
// Usage (run from the repo root):
//
//	go run scripts/gentoken/main.go                      # new workspace
//	go run scripts/gentoken/main.go -workspace <uuid>    # existing workspace
//	go run scripts/gentoken/main.go -ttl 720h
//
// Writes, unless they already exist:
//
//	data/jwt_private.pem  (mode 0600 — keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// These paths match the defaults wired in docker-compose.yml. The data/
// directory is gitignored. The server auto-generates ephemeral keys when
// SORAMI_JWT_PRIVATE_KEY is unset, but those are discarded on every
// restart, invalidating all existing tokens. Persistent keys prevent that.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/sorami-ai/sorami/internal/auth"
)

func main() {
	var (
		workspace = flag.String("workspace", "", "workspace UUID to issue the token for (default: a new one)")
		dir       = flag.String("dir", "data", "directory holding the PEM key pair")
		ttl       = flag.Duration("ttl", 24*time.Hour, "token lifetime")
	)
	flag.Parse()

	workspaceID := uuid.New()
	if *workspace != "" {
		id, err := uuid.Parse(*workspace)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: invalid -workspace: %v\n", err)
			os.Exit(1)
		}
		workspaceID = id
	}

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	if err := ensureKeyPair(*dir, privPath, pubPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	mgr, err := auth.NewJWTManager(privPath, pubPath, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load keys: %v\n", err)
		os.Exit(1)
	}

	token, expiresAt, err := mgr.IssueToken(workspaceID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("workspace: %s\n", workspaceID)
	fmt.Printf("expires:   %s\n", expiresAt.Format(time.RFC3339))
	fmt.Printf("token:     %s\n", token)
	fmt.Println()
	fmt.Printf("export SORAMI_TOKEN=%s\n", token)
}

// ensureKeyPair generates the Ed25519 key pair unless both files exist.
// A half-present pair is an error: regenerating one side would silently
// invalidate every token signed with the other.
func ensureKeyPair(dir, privPath, pubPath string) error {
	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)
	if privErr == nil && pubErr == nil {
		return nil
	}
	if privErr == nil || pubErr == nil {
		return fmt.Errorf("only one of %s and %s exists — delete it to rotate the pair", privPath, pubPath)
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}

	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}

	fmt.Printf("wrote %s\n", privPath)
	fmt.Printf("wrote %s\n", pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
