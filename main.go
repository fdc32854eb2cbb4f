package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/jessevdk/go-flags"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/api"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/bot"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/config"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/db"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
)

const maxLogRolls = 8

type options struct {
	ConfigFile string `short:"C" long:"config" description:"Path to a YAML configuration file"`
	EnvFile    string `long:"envfile" default:".env" description:"Path to a dotenv file"`
	DebugLevel string `long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or SUBSYS=level pairs"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var flagErr *flags.Error
		if errors.As(err, &flagErr) && flagErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	if err := run(&opts); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(opts *options) error {
	// Load configuration
	cfg, err := config.NewConfig(opts.EnvFile, opts.ConfigFile)
	if err != nil {
		return err
	}

	if cfg.LogFile != "" {
		if err := initLogRotator(cfg.LogFile, maxLogRolls); err != nil {
			return err
		}
		defer logRotator.Close()
	}
	debugLevel := cfg.LogLevel
	if opts.DebugLevel != "" {
		debugLevel = opts.DebugLevel
	}
	if err := parseAndSetDebugLevels(debugLevel); err != nil {
		return err
	}

	database, err := db.NewDatabase(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	telegramBot, err := bot.NewBot(cfg, database)
	if err != nil {
		return err
	}

	co := escrow.NewCoordinator(&escrow.Config{
		Ledger:             database,
		Channel:            telegramBot,
		AcceptTimeout:      cfg.AcceptOrderTimeout,
		CompletionCooldown: cfg.FrozenBalanceCooldown,
		Fee:                cfg.OrderFee,
	})
	defer co.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := co.Recover(ctx); err != nil {
		return fmt.Errorf("failed to recover orders: %w", err)
	}

	srv := api.NewServer(co, database, cfg.APIKey, cfg.TopLength)
	r := srv.Router()
	r.Use(func(next http.Handler) http.Handler {
		return handlers.LoggingHandler(logWriter{}, next)
	})
	header := handlers.AllowedHeaders([]string{"X-Requested-With", "Content-Type", "Authorization"})
	methods := handlers.AllowedMethods([]string{"GET", "POST", "OPTIONS"})
	origins := handlers.AllowedOrigins([]string{"*"})
	recovery := handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{}))

	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           recovery(handlers.CORS(header, methods, origins)(r)),
		ReadHeaderTimeout: 10 * time.Second,
		// Buyers waiting on a negotiation are released when the process stops.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	go telegramBot.Start(ctx, co)

	errc := make(chan error, 1)
	go func() {
		log.Infof("Running server on %s", cfg.ListenAddr)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Infof("Shutting down")
	case err = <-errc:
		log.Errorf("Server failed: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warnf("HTTP shutdown: %v", err)
	}
	telegramBot.Stop()
	return err
}
