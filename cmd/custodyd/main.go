// Command custodyd runs the EVM hot-wallet custody service core: the
// monitor, sweeper, and notification dispatcher under one supervisor,
// plus the registration HTTP surface.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/evmhot/custody/internal/api"
	"github.com/evmhot/custody/internal/chainclient"
	"github.com/evmhot/custody/internal/config"
	"github.com/evmhot/custody/internal/faucet"
	"github.com/evmhot/custody/internal/hdwallet"
	"github.com/evmhot/custody/internal/logging"
	"github.com/evmhot/custody/internal/monitor"
	"github.com/evmhot/custody/internal/notify"
	"github.com/evmhot/custody/internal/registry"
	"github.com/evmhot/custody/internal/service"
	"github.com/evmhot/custody/internal/store"
	"github.com/evmhot/custody/internal/sweeper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "custodyd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	hotWallet, err := hdwallet.NewFromMnemonic(cfg.Mnemonic)
	if err != nil {
		return fmt.Errorf("load hot wallet: %w", err)
	}
	faucetWallet, err := hdwallet.NewFromMnemonic(cfg.FaucetMnemonic)
	if err != nil {
		return fmt.Errorf("load faucet wallet: %w", err)
	}
	if derived, err := faucetWallet.DeriveAddress(0); err != nil {
		return fmt.Errorf("derive faucet address: %w", err)
	} else if derived != cfg.FaucetAddress {
		return fmt.Errorf("config: FAUCET_ADDRESS %s does not match faucet mnemonic's index-0 address %s", cfg.FaucetAddress.Hex(), derived.Hex())
	}

	var chain chainclient.Client
	if cfg.PrefersPush() {
		chain, err = chainclient.DialStreaming(ctx, cfg.WSURL)
	} else {
		chain, err = chainclient.DialPolling(ctx, cfg.RPCURL)
	}
	if err != nil {
		return fmt.Errorf("dial chain: %w", err)
	}

	notifier := notify.New(log)

	fct := faucet.New(faucetWallet, chain, cfg.ExistentialDeposit, cfg.FaucetAddress)
	reg := registry.New(hotWallet, st, fct)

	pollInterval := time.Duration(cfg.PollInterval) * time.Second

	mon, err := monitor.New(chain, st, notifier, monitor.Config{
		ConfirmationOffset: cfg.BlockOffsetFromHead,
		FaucetAddress:      cfg.FaucetAddress.Hex(),
		PollInterval:       pollInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("build monitor: %w", err)
	}

	newDeposits := make(chan store.DepositKey, 256)
	go func() {
		for nd := range mon.NewDepositCh {
			select {
			case newDeposits <- nd.Key:
			case <-ctx.Done():
				return
			}
		}
	}()

	sw, err := sweeper.New(hotWallet, chain, st, notifier, newDeposits, sweeper.Config{
		Treasury:     cfg.TreasuryAddr,
		PollInterval: pollInterval,
	}, log)
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}

	supervisor := service.New(mon, sw, notifier, log)

	handler := api.NewHandler(reg, log)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: handler.Routes(),
	}

	supervisorErr := make(chan error, 1)
	go func() {
		supervisorErr <- supervisor.Run(ctx)
	}()

	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErr <- fmt.Errorf("http server: %w", err)
			return
		}
		httpErr <- nil
	}()

	log.Infow("custodyd: running", "port", cfg.Port, "push_transport", cfg.PrefersPush())

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)

	if err := <-supervisorErr; err != nil {
		return err
	}
	return <-httpErr
}
