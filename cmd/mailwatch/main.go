package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nhle/mailwatch/internal/app"
	"github.com/nhle/mailwatch/internal/credential"
	"github.com/nhle/mailwatch/internal/httpapi"
	"github.com/nhle/mailwatch/internal/logging"
	"github.com/nhle/mailwatch/internal/model"
	"github.com/nhle/mailwatch/internal/store"
	"github.com/nhle/mailwatch/internal/ui/status"
)

const usage = `mailwatch watches IMAP mailboxes and notifies consumers of new mail.

Usage:
  mailwatch run                 start every enabled watcher and the control API
  mailwatch status              open the terminal dashboard of a running instance
  mailwatch login <consumer>    store a consumer's IMAP password in the keyring
  mailwatch reset <consumer>    forget a consumer's checkpoint and delivery ledger
  mailwatch purge               delete ledger rows past the retention window

Run "mailwatch <command> --help" for flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "run":
		err = runCmd(args)
	case "status":
		err = statusCmd(args)
	case "login":
		err = loginCmd(args)
	case "reset":
		err = resetCmd(args)
	case "purge":
		err = purgeCmd(args)
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil && !errors.Is(err, pflag.ErrHelp) {
		fmt.Fprintf(os.Stderr, "mailwatch %s: %v\n", cmd, err)
		os.Exit(1)
	}
}

// commonFlags registers the flags every command shares and binds them
// to the matching config keys.
func commonFlags(name string) (*pflag.FlagSet, *viper.Viper, *string) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", model.DefaultConfigPath(), "path to config.yaml")
	fs.String("log-level", "", "log level (trace, debug, info, warn, error)")
	fs.String("log-format", "", "log format (console or json)")
	fs.String("dsn", "", "checkpoint store DSN (sqlite://path or postgres://...)")
	fs.String("http-addr", "", "control API listen address")

	v := model.NewViper()
	_ = v.BindPFlag("log.level", fs.Lookup("log-level"))
	_ = v.BindPFlag("log.format", fs.Lookup("log-format"))
	_ = v.BindPFlag("store.dsn", fs.Lookup("dsn"))
	_ = v.BindPFlag("http.addr", fs.Lookup("http-addr"))

	return fs, v, configPath
}

func loadConfig(v *viper.Viper, path string) (*model.AppConfig, zerolog.Logger, error) {
	cfg, err := model.LoadConfig(v, path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func runCmd(args []string) error {
	fs, v, configPath := commonFlags("run")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadConfig(v, *configPath)
	if err != nil {
		return err
	}
	if len(cfg.Consumers) == 0 {
		log.Warn().Str("config", *configPath).Msg("no consumers configured")
	}

	opts := []app.Option{}
	if creds, err := credential.Open(); err != nil {
		log.Warn().Err(err).Msg("keyring unavailable; only passwords from the config file will work")
	} else {
		opts = append(opts, app.WithCredentials(creds))
	}

	a, err := app.New(cfg, log, opts...)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.Run(ctx)
}

func statusCmd(args []string) error {
	fs, v, configPath := commonFlags("status")
	interval := fs.Duration("interval", 2*time.Second, "refresh interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(v, *configPath)
	if err != nil {
		return err
	}

	m := status.New(httpapi.NewClient(cfg.HTTP.Addr), *interval)
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}

func consumerArg(fs *pflag.FlagSet, cfg *model.AppConfig) (model.ConsumerConfig, error) {
	if fs.NArg() != 1 {
		return model.ConsumerConfig{}, errors.New("expected exactly one consumer id")
	}
	id := strings.TrimSpace(fs.Arg(0))
	c, ok := cfg.Consumer(id)
	if !ok {
		return model.ConsumerConfig{}, fmt.Errorf("unknown consumer %q", id)
	}
	return c, nil
}

func loginCmd(args []string) error {
	fs, v, configPath := commonFlags("login")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, _, err := loadConfig(v, *configPath)
	if err != nil {
		return err
	}
	c, err := consumerArg(fs, cfg)
	if err != nil {
		return err
	}

	password, err := credential.PromptPassword(c.ID, c.Mailbox.Username)
	if err != nil {
		return err
	}

	creds, err := credential.Open()
	if err != nil {
		return err
	}
	if err := creds.Set(credential.PasswordKey(c.ID), password); err != nil {
		return err
	}

	fmt.Printf("stored password for %s (%s)\n", c.ID, logging.MaskEmail(c.Mailbox.Username))
	return nil
}

func resetCmd(args []string) error {
	fs, v, configPath := commonFlags("reset")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadConfig(v, *configPath)
	if err != nil {
		return err
	}
	c, err := consumerArg(fs, cfg)
	if err != nil {
		return err
	}

	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.Reset(context.Background(), c.ID); err != nil {
		return err
	}
	log.Info().Str("consumer_id", c.ID).Msg("checkpoint and ledger cleared; next run re-baselines")
	return nil
}

func purgeCmd(args []string) error {
	fs, v, configPath := commonFlags("purge")
	days := fs.Int("days", 0, "retention in days (defaults to store.retention_days)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, log, err := loadConfig(v, *configPath)
	if err != nil {
		return err
	}
	if *days <= 0 {
		*days = cfg.Store.RetentionDays
	}
	if *days <= 0 {
		return errors.New("retention is disabled; pass --days")
	}

	s, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer s.Close()

	cutoff := time.Now().AddDate(0, 0, -*days)
	n, err := s.PurgeDeliveredBefore(context.Background(), cutoff)
	if err != nil {
		return err
	}
	log.Info().Int64("removed", n).Time("cutoff", cutoff).Msg("ledger purged")
	return nil
}
