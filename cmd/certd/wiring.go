package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"certchain/broadcast"
	"certchain/certificate"
	"certchain/cmd/internal/passphrase"
	"certchain/config"
	"certchain/content"
	"certchain/lease"
	"certchain/ledger"
	"certchain/notify"
	"certchain/observability"
	"certchain/recon"
	"certchain/store"
	"certchain/verify"
)

// components holds the wired dependencies shared by the subcommands. Fields
// are nil when the configuration leaves the backing service out.
type components struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.CertdMetrics

	store   *store.Store
	ledger  *ledger.EVM
	local   *content.Local
	content interface {
		Upload(ctx context.Context, data []byte, filename string) (string, error)
	}
	linker  certificate.Linker
	locker  lease.Locker
	hub     *broadcast.Hub
	closers []func() error
}

func (c *components) Close() error {
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		errs = append(errs, c.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(cfg *config.Config) (*store.Store, error) {
	db, err := store.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, err
	}
	return store.New(db), nil
}

// wire builds the shared components. The ledger client is created even when
// the node is unreachable; the health loop reconnects it later.
func wire(ctx context.Context, cfg *config.Config) (*components, error) {
	c := &components{
		cfg:     cfg,
		logger:  slog.Default(),
		metrics: observability.Certd(),
		linker: certificate.Linker{
			GatewayBase:   cfg.Content.GatewayBase,
			ExplorerTxURL: cfg.Ledger.ExplorerTxURL,
		},
	}
	ok := false
	defer func() {
		if !ok {
			_ = c.Close()
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	c.store = st
	c.closers = append(c.closers, st.Close)

	if cfg.Ledger.RPCURL != "" {
		evm, err := newLedger(ctx, cfg, c.metrics)
		if err != nil {
			return nil, err
		}
		c.ledger = evm
		c.closers = append(c.closers, func() error { evm.Close(); return nil })
	}

	switch cfg.Content.Backend {
	case "ipfs":
		ipfs, err := content.NewIPFS(content.IPFSConfig{
			APIURL:      cfg.Content.APIURL,
			GatewayBase: cfg.Content.GatewayBase,
			Timeout:     cfg.Content.Timeout.Duration,
		})
		if err != nil {
			return nil, err
		}
		c.content = ipfs
	default:
		local, err := content.OpenLocal(cfg.Content.LocalPath, cfg.Content.GatewayBase)
		if err != nil {
			return nil, err
		}
		c.local = local
		c.content = local
		c.closers = append(c.closers, local.Close)
	}

	switch cfg.Lease.Backend {
	case "redis":
		rl, err := lease.NewRedis(cfg.Lease.RedisAddr, cfg.Lease.RedisPassword, cfg.Lease.RedisDB, "")
		if err != nil {
			return nil, err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rl.Ping(pingCtx); err != nil {
			_ = rl.Close()
			return nil, fmt.Errorf("lease: redis ping: %w", err)
		}
		c.locker = rl
		c.closers = append(c.closers, rl.Close)
	default:
		c.locker = lease.NewMemory()
	}

	c.hub = broadcast.NewHub(c.metrics)
	c.closers = append(c.closers, func() error { c.hub.Close(); return nil })
	ok = true
	return c, nil
}

func newLedger(ctx context.Context, cfg *config.Config, metrics *observability.CertdMetrics) (*ledger.EVM, error) {
	hexKey, err := cfg.Ledger.SignerKeyValue()
	if err != nil {
		return nil, err
	}
	source := passphrase.NewSource(cfg.Ledger.KeystorePassphraseEnv)
	signer, err := ledger.LoadSigner(ledger.SignerSource{
		HexKey:       hexKey,
		KeystorePath: cfg.Ledger.KeystorePath,
		Passphrase:   source.Get,
	})
	if err != nil {
		return nil, err
	}
	lcfg := ledger.Config{
		Endpoint:          cfg.Ledger.RPCURL,
		Contract:          common.HexToAddress(strings.TrimSpace(cfg.Ledger.ContractAddress)),
		Signer:            signer,
		DeployBlock:       cfg.Ledger.DeployBlock,
		CallTimeout:       cfg.Ledger.CallTimeout.Duration,
		SubmitTimeout:     cfg.Ledger.SubmitTimeout.Duration,
		RequestsPerSecond: cfg.Ledger.RequestsPerSecond,
		Logger:            slog.Default(),
		Observer:          metrics,
	}
	if cfg.Ledger.ChainID > 0 {
		lcfg.ChainID = big.NewInt(cfg.Ledger.ChainID)
	}
	evm, err := ledger.NewEVM(lcfg, nil)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Ledger.CallTimeout.Duration)
	defer cancel()
	if err := evm.Reconnect(dialCtx); err != nil {
		slog.Warn("ledger unreachable at startup; will retry", "endpoint", cfg.Ledger.RPCURL, "error", err)
	}
	return evm, nil
}

func (c *components) requireLedger() error {
	if c.ledger == nil {
		return errors.New("ledger.rpc_url is not configured")
	}
	return nil
}

func (c *components) notifier() (*notify.Dispatcher, error) {
	cfg := c.cfg.Notify
	var sender notify.Sender
	switch cfg.Backend {
	case "smtp":
		password, err := cfg.SMTP.PasswordValue()
		if err != nil {
			return nil, err
		}
		sender, err = notify.NewSMTPSender(notify.SMTPConfig{
			Host:          cfg.SMTP.Host,
			Port:          cfg.SMTP.Port,
			Username:      cfg.SMTP.Username,
			Password:      password,
			From:          cfg.SMTP.From,
			VerifyBaseURL: cfg.VerifyBaseURL,
		})
		if err != nil {
			return nil, err
		}
	case "webhook":
		secret, err := cfg.Webhook.SecretValue()
		if err != nil {
			return nil, err
		}
		sender, err = notify.NewWebhookSender(cfg.Webhook.URL, []byte(secret))
		if err != nil {
			return nil, err
		}
	default:
		sender = notify.NewLogSender(c.logger)
	}
	return notify.NewDispatcher(sender,
		notify.WithRatePerMinute(cfg.PerMinute),
		notify.WithTimeout(cfg.Timeout.Duration),
		notify.WithLogger(c.logger),
		notify.WithObserver(c.metrics),
	)
}

func (c *components) engine() (*recon.Engine, error) {
	if err := c.requireLedger(); err != nil {
		return nil, err
	}
	dispatcher, err := c.notifier()
	if err != nil {
		return nil, err
	}
	return recon.NewEngine(recon.Config{
		Store:     c.store,
		Ledger:    c.ledger,
		Notifier:  dispatcher,
		Publisher: c.hub,
		Locker:    c.locker,
		Linker:    c.linker,
		Grace:     c.cfg.Recon.ConfirmationGrace.Duration,
		LeaseTTL:  c.cfg.Recon.LeaseTTL.Duration,
		Logger:    c.logger,
		Metrics:   c.metrics,
	})
}

func (c *components) resolver() (*verify.Resolver, error) {
	cfg := verify.Config{
		Store:            c.store,
		Linker:           c.linker,
		PartialScanLimit: c.cfg.Verify.PartialScanLimit,
		MinPartialLength: c.cfg.Verify.MinPartialLength,
		LedgerTimeout:    c.cfg.Ledger.CallTimeout.Duration,
		Logger:           c.logger,
		Metrics:          c.metrics,
	}
	if c.ledger != nil {
		cfg.Ledger = c.ledger
	}
	return verify.NewResolver(cfg)
}
