package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-client/internal/app"
	"github.com/vovakirdan/wirechat-client/internal/config"
	"github.com/vovakirdan/wirechat-client/internal/log"
)

type rootOptions struct {
	configPath string
	logLevel   string
	apiURL     string
	wsURL      string
	username   string
	password   string

	cfg    config.Config
	logger *zerolog.Logger
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "wirechat",
		Short:         "Terminal client for wirechat rooms",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return opts.setup()
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configPath, "config", "", "path to config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flags.StringVar(&opts.apiURL, "api-url", "", "REST API base URL")
	flags.StringVar(&opts.wsURL, "ws-url", "", "websocket base URL")
	flags.StringVarP(&opts.username, "username", "u", "", "account username (env WIRECHAT_USERNAME)")
	flags.StringVarP(&opts.password, "password", "p", "", "account password (env WIRECHAT_PASSWORD)")

	cmd.AddCommand(
		newRegisterCmd(opts),
		newRoomsCmd(opts),
		newCreateRoomCmd(opts),
		newChatCmd(opts),
	)

	return wrapErrors(cmd)
}

func (o *rootOptions) setup() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	boot := log.New(firstNonEmpty(o.logLevel, os.Getenv("WIRECHAT_LOG_LEVEL"), "info"))
	cfg, path, err := config.Load(boot, o.configPath)
	if err != nil {
		return err
	}
	cfg.UpdateFrom(config.Config{APIURL: o.apiURL, WSURL: o.wsURL, LogLevel: o.logLevel})

	o.cfg = cfg
	o.logger = log.New(cfg.LogLevel)
	o.logger.Debug().Str("config", path).Str("api_url", cfg.APIURL).Msg("configuration loaded")

	o.username = firstNonEmpty(o.username, os.Getenv("WIRECHAT_USERNAME"))
	o.password = firstNonEmpty(o.password, os.Getenv("WIRECHAT_PASSWORD"))
	return nil
}

// newApp builds the application without signing in.
func (o *rootOptions) newApp() (*app.App, error) {
	return app.New(o.cfg, o.logger)
}

// signedIn builds the application and logs in with the configured account.
func (o *rootOptions) signedIn(ctx context.Context) (*app.App, error) {
	if o.username == "" || o.password == "" {
		return nil, errors.New("username and password are required (flags or WIRECHAT_USERNAME/WIRECHAT_PASSWORD)")
	}
	a, err := o.newApp()
	if err != nil {
		return nil, err
	}
	id, err := a.Auth().Login(ctx, o.username, o.password)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("login: %w", err)
	}
	o.logger.Info().Str("user", id.Username).Msg("signed in")
	return a, nil
}

func wrapErrors(cmd *cobra.Command) *cobra.Command {
	for _, c := range cmd.Commands() {
		run := c.RunE
		if run == nil {
			continue
		}
		c.RunE = func(c *cobra.Command, args []string) error {
			if err := run(c, args); err != nil {
				fmt.Fprintln(c.ErrOrStderr(), "error:", userError(err))
				return err
			}
			return nil
		}
	}
	return cmd
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
