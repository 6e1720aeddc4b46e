// genkey generates an Ed25519 key pair for soji JWT signing, and optionally
// issues a development token signed with it.
//
// Usage (run from the repo root):
//
//	go run ./scripts/genkey
//	go run ./scripts/genkey --issue alice --tenant acme --role approver
//
// Writes, unless they already exist:
//
//	data/jwt_private.pem  (mode 0600, keep this secret)
//	data/jwt_public.pem   (mode 0600)
//
// Point SOJI_JWT_PRIVATE_KEY and SOJI_JWT_PUBLIC_KEY at these files. The
// runtime only verifies tokens in production; issuing them belongs to the
// identity provider, so --issue is for local development.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/pflag"

	"github.com/ashita-ai/soji/internal/auth"
	"github.com/ashita-ai/soji/internal/model"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("genkey", pflag.ContinueOnError)
	dir := flags.String("dir", "data", "directory for the key pair")
	subject := flags.String("issue", "", "issue a token for this identity")
	tenant := flags.String("tenant", "", "tenant of the issued token (empty for a cross-tenant admin)")
	role := flags.String("role", string(model.RoleOperator), "role of the issued token: admin, approver, operator or viewer")
	ttl := flags.Duration("ttl", 24*time.Hour, "lifetime of the issued token")
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	privPath := filepath.Join(*dir, "jwt_private.pem")
	pubPath := filepath.Join(*dir, "jwt_public.pem")

	if err := ensureKeys(*dir, privPath, pubPath); err != nil {
		return err
	}
	if *subject == "" {
		return nil
	}

	if model.RoleRank(model.AgentRole(*role)) == 0 {
		return fmt.Errorf("unknown role %q", *role)
	}
	mgr, err := auth.NewJWTManager(privPath, pubPath, *ttl)
	if err != nil {
		return err
	}
	token, exp, err := mgr.IssueToken(*subject, *tenant, model.AgentRole(*role))
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "token for %s expires %s\n", *subject, exp.Format(time.RFC3339))
	fmt.Println(token)
	return nil
}

// ensureKeys writes a new key pair unless both files already exist. A lone
// half of a pair is an error; overwriting it would invalidate live tokens.
func ensureKeys(dir, privPath, pubPath string) error {
	_, privErr := os.Stat(privPath)
	_, pubErr := os.Stat(pubPath)
	switch {
	case privErr == nil && pubErr == nil:
		return nil
	case privErr == nil || pubErr == nil:
		return fmt.Errorf("only one of %s and %s exists; delete it first if you want to rotate keys", privPath, pubPath)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
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
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return fmt.Errorf("marshal public key: %w", err)
	}

	if err := writePEM(privPath, "PRIVATE KEY", privDER); err != nil {
		return err
	}
	if err := writePEM(pubPath, "PUBLIC KEY", pubDER); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s and %s\n", privPath, pubPath)
	return nil
}

func writePEM(path, blockType string, der []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600) //nolint:gosec // path built from the --dir flag
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}
