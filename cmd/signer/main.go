package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/awnumar/memguard"

	"github.com/althea-net/auto-bridge/internal/config"
	"github.com/althea-net/auto-bridge/internal/kms"
	"github.com/althea-net/auto-bridge/internal/logging"
	"github.com/althea-net/auto-bridge/internal/signer"
)

func main() {
	defer memguard.Purge()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "signer: %v\n", err)
		memguard.SafeExit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateSigner(); err != nil {
		return err
	}

	log, closer := logging.New(logging.Options{Level: cfg.Log.Level, File: cfg.Log.File})
	defer closer.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	key, err := kms.OperatorKey(ctx, cfg.Account.PrivateKey, cfg.Account.EncryptedKeyPath,
		cfg.KMS.AWSRegion, cfg.KMS.LocalStackEndpoint)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	maxValue, err := config.ParseWei(cfg.Signer.MaxValueWei)
	if err != nil {
		memguard.WipeBytes(key)
		return fmt.Errorf("max_value_wei: %w", err)
	}

	session := signer.NewSessionManager(time.Duration(cfg.Signer.SessionTTLSec) * time.Second)
	if err := session.Activate(key, maxValue); err != nil {
		return fmt.Errorf("activate session: %w", err)
	}
	defer session.Destroy()

	srv, err := signer.New(cfg.Signer.SocketPath, session, log)
	if err != nil {
		return fmt.Errorf("create signer server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve()
	}()

	log.Info("signer ready",
		"env", cfg.Env,
		"socket", cfg.Signer.SocketPath,
		"address", session.Address().Hex(),
		"ttl_sec", cfg.Signer.SessionTTLSec,
	)

	select {
	case <-ctx.Done():
		log.Info("signer shutting down")
		srv.GracefulStop()
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	log.Info("signer stopped")
	return nil
}
