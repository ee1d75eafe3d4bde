package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/aspect-build/tunnelkeeper/internal/client"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/aspect-build/tunnelkeeper/internal/version"
	"github.com/spf13/cobra"
)

// devCommands is populated by dev.go (build tag "dev") with dev-only subcommands.
var devCommands []*cobra.Command

// connFlags are the server connection flags shared by every subcommand.
type connFlags struct {
	serverURL      string
	insecure       bool
	internalSecret string
	logLevel       string
	verbose        bool
}

func (f *connFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.serverURL, "server", "", "tunnelkeeper server URL (or set TUNNELKEEPER_SERVER_URL)")
	cmd.Flags().BoolVar(&f.insecure, "insecure", false, "Allow plaintext HTTP connection to server")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "Log level: debug|info|warn|error (or TUNNELKEEPER_LOG_LEVEL)")
	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "Enable verbose debug logs")
}

func (f *connFlags) registerInternal(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.internalSecret, "internal-secret", "", "Internal shared secret (or set TUNNELKEEPER_INTERNAL_SECRET)")
}

// client resolves the server URL from the flag or TUNNELKEEPER_SERVER_URL
// and builds an API client.
func (f *connFlags) client(cmd *cobra.Command) (*client.Client, error) {
	if err := logx.Configure(f.logLevel, f.verbose); err != nil {
		return nil, err
	}
	serverURL := f.serverURL
	if !cmd.Flags().Changed("server") {
		serverURL = os.Getenv("TUNNELKEEPER_SERVER_URL")
		if serverURL == "" {
			return nil, errors.New("server URL required: use --server flag or set TUNNELKEEPER_SERVER_URL")
		}
	}
	c, err := client.New(serverURL, f.insecure)
	if err != nil {
		return nil, err
	}
	c.InternalSecret = f.internalSecret
	if c.InternalSecret == "" {
		c.InternalSecret = os.Getenv("TUNNELKEEPER_INTERNAL_SECRET")
	}
	return c, nil
}

// identityFlags name the client and its private key.
type identityFlags struct {
	clientID string
	keyPath  string
}

func (f *identityFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.clientID, "client-id", "", "Client identity (or set TUNNELKEEPER_CLIENT_ID)")
	cmd.Flags().StringVar(&f.keyPath, "key", "", "Path to the client's RSA private key PEM (or set TUNNELKEEPER_KEY_FILE)")
}

func (f *identityFlags) resolve() (string, string, error) {
	id := firstNonEmpty(f.clientID, os.Getenv("TUNNELKEEPER_CLIENT_ID"))
	key := firstNonEmpty(f.keyPath, os.Getenv("TUNNELKEEPER_KEY_FILE"))
	if id == "" {
		return "", "", errors.New("client id required: use --client-id or set TUNNELKEEPER_CLIENT_ID")
	}
	if key == "" {
		return "", "", errors.New("key file required: use --key or set TUNNELKEEPER_KEY_FILE")
	}
	return id, key, nil
}

func (f *identityFlags) login(ctx context.Context, c *client.Client, opts client.LoginOptions) (*client.Session, error) {
	id, keyPath, err := f.resolve()
	if err != nil {
		return nil, err
	}
	key, err := client.LoadKeyFile(keyPath)
	if err != nil {
		return nil, err
	}
	return c.Login(ctx, id, key, opts)
}

func main() {
	rootCmd := &cobra.Command{
		Use:           "tunnelkeeper",
		Short:         "tunnelkeeper - authenticate with an RSA key and publish your tunnel URL",
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.SetVersionTemplate(version.String("tunnelkeeper") + "\n")

	rootCmd.AddCommand(newLoginCmd())
	rootCmd.AddCommand(newRegisterCmd())
	rootCmd.AddCommand(newGetCmd())
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newRunCmd())
	for _, cmd := range devCommands {
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLoginCmd() *cobra.Command {
	var (
		conn  connFlags
		ident identityFlags
		opts  client.LoginOptions
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Prove key possession and print the issued session as JSON",
		Long: `Request a challenge, sign it with the client's RSA private key and
exchange it for an access token. With --tunnel-url the server also records
the tunnel endpoint for this client.

The output contains the secret bundle in clear text.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.client(cmd)
			if err != nil {
				return err
			}
			if err := client.Harden(); err != nil {
				logx.Warnf("process hardening: %v", err)
			}
			ctx, cancel := commandContext()
			defer cancel()
			sess, err := ident.login(ctx, c, opts)
			if err != nil {
				return err
			}
			return printJSON(sess)
		},
	}

	conn.register(cmd)
	ident.register(cmd)
	addLoginOptions(cmd, &opts)
	return cmd
}

func addLoginOptions(cmd *cobra.Command, opts *client.LoginOptions) {
	cmd.Flags().StringVar(&opts.TunnelURL, "tunnel-url", "", "Tunnel URL to record for this client")
	cmd.Flags().StringVar(&opts.RepoURL, "repo-url", "", "Repository URL to sync through the webhook worker")
	cmd.Flags().StringVar(&opts.GRPCEndpoint, "grpc-endpoint", "", "gRPC endpoint to sync with --repo-url")
	cmd.Flags().BoolVar(&opts.IncludeRepoList, "include-repos", false, "Ask the server to include the repository list")
}

func newRegisterCmd() *cobra.Command {
	var (
		conn      connFlags
		clientID  string
		tunnelURL string
		token     string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Move an existing tunnel record to a new URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.client(cmd)
			if err != nil {
				return err
			}
			clientID = firstNonEmpty(clientID, os.Getenv("TUNNELKEEPER_CLIENT_ID"))
			token = firstNonEmpty(token, os.Getenv("TUNNELKEEPER_ACCESS_TOKEN"))
			if clientID == "" || tunnelURL == "" || token == "" {
				return errors.New("--client-id, --tunnel-url and --token (or TUNNELKEEPER_ACCESS_TOKEN) are required")
			}
			ctx, cancel := commandContext()
			defer cancel()
			rec, err := c.RegisterTunnel(ctx, clientID, tunnelURL, token)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}

	conn.register(cmd)
	cmd.Flags().StringVar(&clientID, "client-id", "", "Client identity (or set TUNNELKEEPER_CLIENT_ID)")
	cmd.Flags().StringVar(&tunnelURL, "tunnel-url", "", "New tunnel URL")
	cmd.Flags().StringVar(&token, "token", "", "Access token from login (or set TUNNELKEEPER_ACCESS_TOKEN)")
	return cmd
}

func newGetCmd() *cobra.Command {
	var (
		conn  connFlags
		token string
	)

	cmd := &cobra.Command{
		Use:   "get <client-id>",
		Short: "Show the tunnel record of a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.client(cmd)
			if err != nil {
				return err
			}
			token = firstNonEmpty(token, os.Getenv("TUNNELKEEPER_ACCESS_TOKEN"))
			ctx, cancel := commandContext()
			defer cancel()
			rec, err := c.GetTunnel(ctx, args[0], token)
			if err != nil {
				return err
			}
			return printJSON(rec)
		},
	}

	conn.register(cmd)
	conn.registerInternal(cmd)
	cmd.Flags().StringVar(&token, "token", "", "Access token from login (or set TUNNELKEEPER_ACCESS_TOKEN)")
	return cmd
}

func newListCmd() *cobra.Command {
	var (
		conn   connFlags
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List every tunnel record (internal callers only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.client(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := commandContext()
			defer cancel()
			records, err := c.ListTunnels(ctx)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(records)
			}
			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CLIENT\tTUNNEL URL\tUPDATED")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", r.ClientID, r.TunnelURL, r.UpdatedAt.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}

	conn.register(cmd)
	conn.registerInternal(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func newRunCmd() *cobra.Command {
	var (
		conn    connFlags
		ident   identityFlags
		opts    client.LoginOptions
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Log in, then run a command with the secret bundle in its environment",
		Long: `Log in like "tunnelkeeper login", then launch the command with every
secret of the bundle exported as an environment variable, layered over the
current environment and the optional env file. Secret values are masked in
the command's stdout and stderr.

An env file value of the form tunnelkeeper://NAME is replaced by the
bundle secret NAME.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.client(cmd)
			if err != nil {
				return err
			}
			entries, err := client.ParseEnvFile(envFile)
			if err != nil {
				if cmd.Flags().Changed("env-file") || !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("parse env file: %w", err)
				}
				entries = nil
			}

			if err := client.Harden(); err != nil {
				logx.Warnf("process hardening: %v", err)
			}
			ctx, cancel := commandContext()
			sess, err := ident.login(ctx, c, opts)
			cancel()
			if err != nil {
				return err
			}

			env, err := client.BuildEnv(os.Environ(), entries, sess.SecretData)
			if err != nil {
				return err
			}
			exitCode, err := client.Run(client.RunConfig{
				Command: args[0],
				Args:    args[1:],
				Env:     env,
				Secrets: client.SecretValues(sess.SecretData),
			})
			if err != nil {
				return err
			}
			os.Exit(exitCode)
			return nil
		},
	}

	conn.register(cmd)
	ident.register(cmd)
	addLoginOptions(cmd, &opts)
	cmd.Flags().StringVar(&envFile, "env-file", ".env", "Path to .env file (skipped if not found and not explicitly set)")
	return cmd
}

func commandContext() (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	return ctx, func() {
		cancel()
		stop()
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
