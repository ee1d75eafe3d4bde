//go:build dev

package main

import (
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"os"
	"strings"

	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"
)

func init() {
	devCommands = append(devCommands, newKeygenCmd())
}

func newKeygenCmd() *cobra.Command {
	var (
		output   string
		clientID string
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "[dev] Generate an RSA-2048 client key and print the keys-file entry",
		Long: `Generate a fresh RSA-2048 private key, write it to the output path and
print the public key in PEM and OpenSSH form, ready to paste into the
server's client keys file.

NOTE: This command is only available in dev builds (go build -tags dev).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return keygen(output, clientID)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "client.pem", "Output path for the private key")
	cmd.Flags().StringVar(&clientID, "client-id", "my-client", "Client id to show in the keys-file snippet")
	return cmd
}

func keygen(output, clientID string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}

	privPEM, err := crypto.EncodePrivateKey(priv)
	if err != nil {
		return err
	}
	if err := os.WriteFile(output, privPEM, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", output, err)
	}

	pubPEM, err := crypto.EncodePublicKey(&priv.PublicKey)
	if err != nil {
		return err
	}
	sshPub, err := ssh.NewPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("encode ssh public key: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n\n", output)
	fmt.Fprintf(os.Stderr, "Add this client to the server's keys file (YAML):\n\n")
	fmt.Fprintf(os.Stderr, "clients:\n  %s: |\n", clientID)
	for _, line := range strings.Split(strings.TrimSpace(pubPEM), "\n") {
		fmt.Fprintf(os.Stderr, "    %s\n", line)
	}
	authorized := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	fmt.Fprintf(os.Stderr, "\nor as an authorized_keys line:\n\n  %s: %q\n", clientID, authorized)
	return nil
}
