package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"licensegate.app/cloud/internal/signer"
)

func newKeygenCommand() *cobra.Command {
	var (
		outDir string
		bits   int
		force  bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate the RSA key pair used to sign responses",
		Long:  `Writes private.pem (PKCS#8) and public.pem (PKIX) to the output directory. The public key is shipped with clients.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if bits < 2048 {
				return fmt.Errorf("key size must be at least 2048 bits, got %d", bits)
			}

			privatePath := filepath.Join(outDir, "private.pem")
			publicPath := filepath.Join(outDir, "public.pem")
			if !force {
				for _, p := range []string{privatePath, publicPath} {
					if _, err := os.Stat(p); err == nil {
						return fmt.Errorf("%s already exists (use --force to overwrite)", p)
					}
				}
			}

			privatePEM, publicPEM, err := signer.GenerateKeyPair(bits)
			if err != nil {
				return fmt.Errorf("generate key pair: %w", err)
			}
			if err := os.MkdirAll(outDir, 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(privatePath, privatePEM, 0o600); err != nil {
				return err
			}
			if err := os.WriteFile(publicPath, publicPEM, 0o644); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s and %s\n", privatePath, publicPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Output directory")
	cmd.Flags().IntVar(&bits, "bits", 2048, "RSA key size")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite existing key files")
	return cmd
}

type envelope struct {
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

func newVerifyCommand() *cobra.Command {
	var publicKeyPath string

	cmd := &cobra.Command{
		Use:   "verify [response.json|-]",
		Short: "Verify a signed response against the public key",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			verifier, err := signer.LoadVerifierFile(publicKeyPath)
			if err != nil {
				return fmt.Errorf("load public key: %w", err)
			}

			var in io.Reader = cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			var env envelope
			if err := json.NewDecoder(in).Decode(&env); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
			if len(env.Data) == 0 {
				return errors.New("response has no data field")
			}
			if env.Signature == "" {
				return errors.New("response is not signed")
			}
			if err := verifier.Verify(env.Data, env.Signature); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Signature valid")
			fmt.Fprintln(cmd.OutOrStdout(), string(env.Data))
			return nil
		},
	}

	cmd.Flags().StringVarP(&publicKeyPath, "key", "k", "public.pem", "Path to the public key")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	var cost int

	cmd := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Long:  `Hashes the password given as argument, or the first line of stdin when no argument is given.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				password, _, _ = strings.Cut(string(raw), "\n")
				password = strings.TrimRight(password, "\r")
			}
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}

			hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return nil
		},
	}

	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
