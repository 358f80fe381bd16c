package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/stormgrok/stormgrokd/auth"
	"github.com/stormgrok/stormgrokd/config"
	"github.com/stormgrok/stormgrokd/ingress"
	"github.com/stormgrok/stormgrokd/keystore"
	"github.com/stormgrok/stormgrokd/logger"
	"github.com/stormgrok/stormgrokd/registry"
	"github.com/stormgrok/stormgrokd/server"
	"github.com/stormgrok/stormgrokd/signal"
	"github.com/stormgrok/stormgrokd/tlsconfig"
)

// These are set at compile time.
var (
	Version   = "DEV"
	BuildTime = "unknown"
)

const (
	logAllInterval = time.Minute
	sentryDSNEnv   = "STORMGROK_SENTRY_DSN"
)

var errStopRequested = errors.New("stop requested")

func main() {
	app := &cli.App{
		Name:    "stormgrokd",
		Usage:   "stormgrok reverse tunneling server",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildTime),
		Description: `Accepts authenticated agent connections over QUIC and exposes each
   agent's local service on a uuid subdomain of the public HTTP endpoint.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Specifies a config file in YAML format.",
				Value: config.DefaultConfigFiles[0],
			},
			&cli.StringFlag{
				Name:  "loglevel",
				Usage: "Application logging level {trace, debug, info, warn, error, fatal}. Overrides the config file.",
			},
			&cli.StringFlag{
				Name:  "logfile",
				Usage: "Save application log to this file in addition to the console. Overrides the config file.",
			},
			&cli.BoolFlag{
				Name:  "no-color",
				Usage: "Disable colored console output.",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}

	level := cfg.Logging.Level
	if c.IsSet("loglevel") {
		level = c.String("loglevel")
	}
	logFile := cfg.Logging.File
	if c.IsSet("logfile") {
		logFile = c.String("logfile")
	}
	log := logger.Create(&logger.Config{
		MinLevel: level,
		File:     logFile,
		NoColor:  c.Bool("no-color"),
	})

	if dsn := os.Getenv(sentryDSNEnv); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: dsn, Release: Version}); err != nil {
			log.Error().Err(err).Msg("could not initialize error reporting")
		}
	}

	cert, err := tlsconfig.LoadCertificate(cfg.TLS.Cert, cfg.TLS.Key)
	if err != nil {
		return err
	}

	shutdown := signal.New(make(chan struct{}))
	reg := registry.New(shutdown, log)
	keys := keystore.New(keystore.DefaultURL, log)
	policy := auth.NewPolicy(cfg.Auth.Users, cfg.Auth.HostDomains)

	quicServer, err := server.New(cfg.QUICAddr(), tlsconfig.QUICServerConfig(cert), reg, keys, policy, log)
	if err != nil {
		return err
	}

	publicIngress := ingress.New(reg, log)
	var httpTLS *tls.Config
	if cfg.Env == config.Prod {
		httpTLS = tlsconfig.HTTPServerConfig(cert)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalC := make(chan os.Signal, 1)
	ossignal.Notify(signalC, syscall.SIGINT, syscall.SIGTERM)
	defer ossignal.Stop(signalC)
	go func() {
		select {
		case sig := <-signalC:
			log.Info().Msgf("Received %v, shutting down", sig)
			shutdown.Notify()
		case <-ctx.Done():
		}
	}()

	log.Info().Msgf("stormgrokd %s starting in %s mode", Version, cfg.Env)

	errGroup, gctx := errgroup.WithContext(ctx)
	errGroup.Go(func() error {
		return keys.Run(gctx)
	})
	errGroup.Go(func() error {
		return quicServer.Serve(gctx)
	})
	errGroup.Go(func() error {
		return publicIngress.Serve(gctx, cfg.HTTPAddr(), httpTLS)
	})
	errGroup.Go(func() error {
		ticker := time.NewTicker(logAllInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				reg.LogAll()
			}
		}
	})
	errGroup.Go(func() error {
		select {
		case <-shutdown.Wait():
			return errStopRequested
		case <-gctx.Done():
			return nil
		}
	})

	err = errGroup.Wait()
	if shutdown.Notified() || errors.Is(err, context.Canceled) {
		log.Info().Msg("stormgrokd stopped")
		return nil
	}
	return err
}
