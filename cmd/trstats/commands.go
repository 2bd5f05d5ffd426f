package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/cli"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// loadConfig reads config.json, applies the global flags and configures
// logging. Inspection commands log to the console only.
func loadConfig(console bool) (*config.Config, error) {
	initial := util.DefaultLogConfig()
	if console {
		initial.Directory = ""
	}
	if err := util.InitLogger(initial); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(opts.ConfigDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	opts.Apply(cfg)

	logCfg := util.LogConfig{
		Level:      cfg.Logging.Level,
		Directory:  cfg.Logging.Directory,
		MaxBackups: cfg.Logging.MaxBackups,
		Console:    true,
	}
	if console {
		logCfg.Directory = ""
	}
	if err := util.InitLogger(logCfg); err != nil {
		log.Warn().Err(err).Msg("failed to reconfigure logger, using defaults")
	}
	return cfg, nil
}

func openStore(cfg *config.Config) (*db.Database, error) {
	store, err := db.NewDatabase(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Storage.Path, err)
	}
	return store, nil
}

type serversCommand struct{}

func (c *serversCommand) Execute([]string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return cli.Servers(context.Background(), os.Stdout, store)
}

type probeCommand struct {
	Timeout time.Duration `long:"timeout" description:"How long to wait for the reply" default:"3s"`
	Raw     bool          `long:"raw" description:"Also print the re-encoded reply datagram"`

	Args struct {
		Address string `positional-arg-name:"ip:queryport" required:"yes"`
	} `positional-args:"yes"`
}

func (c *probeCommand) Execute([]string) error {
	if _, err := loadConfig(true); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout+time.Second)
	defer cancel()

	return cli.Probe(ctx, os.Stdout, c.Args.Address, c.Timeout, c.Raw)
}

type chatCommand struct {
	Limit int `long:"limit" description:"Entries read per hourly bucket" default:"1000"`

	Args struct {
		Server string `positional-arg-name:"server-id" description:"ip:hostport, all servers when omitted"`
	} `positional-args:"yes"`
}

func (c *chatCommand) Execute([]string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	return cli.Chat(context.Background(), os.Stdout, db.NewRelayLog(store), c.Args.Server, c.Limit)
}
