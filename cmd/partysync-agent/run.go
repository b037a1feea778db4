package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-party-sync/internal/domain"
	"github.com/tbourn/go-party-sync/internal/observability"
	"github.com/tbourn/go-party-sync/internal/pollclient"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	ScopeID       string
	StatsInterval time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(root *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Sync a scope until interrupted",
		Long: `Subscribe to the scope's relay channel and log every delivered event.
While the relay is unreachable the agent polls the server and queues outbound
events; the queue is flushed once the relay is back.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runSync(ctx, opts)
		},
	}
	cmd.Flags().StringVar(&opts.ScopeID, "scope", "", "scope (party) id")
	cmd.Flags().DurationVar(&opts.StatsInterval, "stats-interval", 30*time.Second, "how often to log statistics (0 disables)")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}

func runSync(ctx context.Context, opts *RunOptions) error {
	shutdownTracing, err := observability.Setup(ctx, opts.Config.OTEL, observability.Build{Role: "agent", Version: Version})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	onState := func(_ context.Context, s pollclient.Snapshot) error {
		log.Info().Str("scope_id", s.ScopeID).Int64("version", s.Version).Int("state_bytes", len(s.State)).Msg("state snapshot applied")
		return nil
	}
	a, err := newAgent(opts.Config, nil, onState)
	if err != nil {
		return err
	}
	defer a.Close()

	for _, action := range domain.Actions {
		a.mgr.AddEventHandler(action, logEvent)
	}
	if err := a.start(ctx, opts.ScopeID); err != nil {
		return err
	}

	var tick <-chan time.Time
	if opts.StatsInterval > 0 {
		t := time.NewTicker(opts.StatsInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("agent stopping")
			return nil
		case <-tick:
			logStatistics(a)
		}
	}
}

func logEvent(_ context.Context, evt domain.Event) error {
	log.Info().
		Str("event_id", evt.ID).
		Str("action", string(evt.Action)).
		Str("actor_id", evt.ActorID).
		Int64("timestamp", evt.Timestamp).
		RawJSON("payload", evt.Payload).
		Msg("event")
	return nil
}

func logStatistics(a *agent) {
	st := a.mgr.GetStatistics()
	status := a.mgr.GetConnectionStatus()
	log.Info().
		Str("scope_id", st.ScopeID).
		Str("state", string(status.State)).
		Str("mode", string(status.Mode)).
		Bool("healthy", status.Health.IsHealthy).
		Uint64("received", st.Connection.Received).
		Uint64("published", st.Published).
		Uint64("queued", st.Queued).
		Int("queue_length", st.Fallback.QueueLength).
		Uint64("rate_limited", st.RateLimit.Blocked).
		Msg("statistics")
}
