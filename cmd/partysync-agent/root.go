package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-party-sync/internal/config"
	"github.com/tbourn/go-party-sync/internal/sysutil"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ServerURL    string
	ActorID      string
	QueueBackend string
	QueuePath    string
	SyncFile     string
	Verbose      bool

	// Config is resolved by PersistentPreRunE: env first, then flags.
	Config config.Config
}

// NewRootCommand creates the root command of the agent CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "partysync-agent",
		Short:         "Party sync agent",
		Long:          "Keeps one party scope in sync with the server over the relay, with HTTP polling as fallback.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.resolve(cmd)
		},
	}
	cmd.SetVersionTemplate(fmt.Sprintf("partysync-agent %s (%s)\n", Version, Commit))

	pf := cmd.PersistentFlags()
	pf.StringVar(&opts.ServerURL, "server", "", "sync server base URL (default $AGENT_SERVER_URL)")
	pf.StringVar(&opts.ActorID, "actor", "", "actor id sent with pushed events (default $AGENT_ACTOR_ID)")
	pf.StringVar(&opts.QueueBackend, "queue-backend", "", "durable queue backend: bolt|sqlite")
	pf.StringVar(&opts.QueuePath, "queue-path", "", "durable queue file")
	pf.StringVar(&opts.SyncFile, "sync-config", "", "YAML file overriding the sync tuning")
	pf.BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewPublishCommand(opts))
	cmd.AddCommand(NewStateCommand(opts))
	return cmd
}

// resolve loads .env and the environment, then applies explicitly set flags.
func (o *RootOptions) resolve(cmd *cobra.Command) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a := &cfg.Agent
	a.ServerURL = sysutil.FirstNonEmpty(o.ServerURL, a.ServerURL)
	a.ActorID = sysutil.FirstNonEmpty(o.ActorID, a.ActorID)
	a.QueueBackend = sysutil.FirstNonEmpty(o.QueueBackend, a.QueueBackend)
	a.QueuePath = sysutil.FirstNonEmpty(o.QueuePath, a.QueuePath)
	switch a.QueueBackend {
	case "bolt", "sqlite":
	default:
		return fmt.Errorf("invalid queue backend %q: must be bolt or sqlite", a.QueueBackend)
	}

	if o.SyncFile != "" {
		if cfg.Sync, err = config.LoadSyncFile(o.SyncFile, cfg.Sync); err != nil {
			return err
		}
	}

	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	sysutil.SetupLogging(level, cfg.LogPretty, "partysync-agent", cmd.ErrOrStderr())

	o.Config = cfg
	return nil
}
