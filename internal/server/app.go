package server

import (
	"fmt"
	"net/http"

	"github.com/aspect-build/tunnelkeeper/internal/authflow"
	"github.com/aspect-build/tunnelkeeper/internal/challenge"
	"github.com/aspect-build/tunnelkeeper/internal/crypto"
	"github.com/aspect-build/tunnelkeeper/internal/keyring"
	"github.com/aspect-build/tunnelkeeper/internal/logx"
	"github.com/aspect-build/tunnelkeeper/internal/partition"
	"github.com/aspect-build/tunnelkeeper/internal/server/db"
	"github.com/aspect-build/tunnelkeeper/internal/tunnel"
	"github.com/aspect-build/tunnelkeeper/internal/webhook"
)

// App is a fully wired server: storage, partitions, protocol service and
// HTTP handler.
type App struct {
	Service *authflow.Service
	Handler http.Handler

	db         *db.Store
	partitions *partition.Store
}

// NewApp opens storage and wires every component from cfg.
func NewApp(cfg *Config) (*App, error) {
	logx.SetRedactions(cfg.SensitiveValues())

	keys, err := keyring.Load(cfg.ClientKeysFile)
	if err != nil {
		return nil, fmt.Errorf("load client keys: %w", err)
	}

	var sealer *crypto.Sealer
	if cfg.MasterKey != nil {
		if sealer, err = crypto.NewSealer(*cfg.MasterKey); err != nil {
			return nil, err
		}
	}

	compact, err := crypto.NewCompactIssuer([]byte(cfg.JWTSecret), crypto.DefaultCompactTTL)
	if err != nil {
		return nil, err
	}

	store, err := db.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	parts := partition.New(store, partition.Options{Sealer: sealer})

	svc := authflow.New(authflow.Deps{
		Keys:    keys,
		Ledger:  challenge.NewLedger(parts, challenge.Options{TTL: cfg.ChallengeTTL}),
		Tunnels: tunnel.NewRegistry(parts),
		Compact: compact,
		Webhook: webhook.New(cfg.WebhookURL, cfg.InternalSecret, cfg.WebhookTimeout),
		Secrets: cfg.Secrets,
	})

	logx.Infof("server config: clients=%d sealed=%t webhook=%t secrets=%d challenge_ttl=%s",
		keys.Len(), sealer != nil, cfg.WebhookURL != "", len(cfg.Secrets), cfg.ChallengeTTL)

	return &App{
		Service:    svc,
		Handler:    NewRouter(svc, store, cfg),
		db:         store,
		partitions: parts,
	}, nil
}

// Close drains the partitions and closes the database.
func (a *App) Close() error {
	if err := a.partitions.Close(); err != nil {
		return err
	}
	return a.db.Close()
}
