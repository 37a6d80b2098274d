package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gpio-relay/internal/auth"
	"gpio-relay/internal/config"
	"gpio-relay/internal/logging"
	"gpio-relay/internal/mqtt"
	"gpio-relay/internal/relay"
	"gpio-relay/internal/server"
)

type flags struct {
	port     int
	logLevel string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "gpio-relay",
		Short:         "Relay GPIO state and control commands between devices and their owners",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.PersistentFlags().IntVar(&f.port, "port", 0, "listen port (overrides PORT)")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (overrides LOG_LEVEL)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the relay server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), f)
		},
	})
	root.AddCommand(newTokenCmd())
	return root
}

func loadConfig(f *flags) (config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return config.Config{}, errors.Wrap(err, "load config")
	}
	if f.port != 0 {
		if f.port < 0 || f.port > 65535 {
			return config.Config{}, errors.Errorf("invalid --port %d", f.port)
		}
		cfg.Port = f.port
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	return cfg, nil
}

func runServe(ctx context.Context, f *flags) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	gin.SetMode(cfg.GinMode)
	if cfg.MasterSecret == "" {
		log.Warn("MASTER_SECRET not set, /debug/devices is unauthenticated")
	}

	var mirror relay.Mirror
	if cfg.MQTTBrokerURL != "" {
		m, err := mqtt.Connect(mqtt.Options{
			BrokerURL:   cfg.MQTTBrokerURL,
			ClientID:    cfg.MQTTClientID,
			TopicPrefix: cfg.MQTTTopicPrefix,
		}, log)
		if err != nil {
			return err
		}
		defer m.Close()
		mirror = m
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.New(cfg, log, mirror)
	log.WithFields(logrus.Fields{
		"port":              cfg.Port,
		"heartbeatInterval": cfg.HeartbeatInterval,
		"sweepInterval":     cfg.SweepInterval,
		"deviceTimeout":     cfg.DeviceTimeout(),
		"mqtt":              cfg.MQTTBrokerURL != "",
	}).Info("starting gpio relay")
	return app.Run(ctx)
}

func newTokenCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print an operator token for the debug endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig()
			if err != nil {
				return errors.Wrap(err, "load config")
			}
			if cfg.MasterSecret == "" {
				return errors.New("MASTER_SECRET must be set to mint tokens")
			}
			tokenCfg := auth.DefaultTokenConfig(cfg.MasterSecret)
			tokenCfg.Expiry = cfg.TokenExpiry
			tok, err := auth.CreateOperatorToken(operator, tokenCfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "operator", "name recorded in the token subject")
	return cmd
}
