package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-party-sync/internal/domain"
)

// PublishOptions holds flags for the publish command.
type PublishOptions struct {
	*RootOptions
	ScopeID string
	Action  string
	Payload string
	Linger  time.Duration
}

// NewPublishCommand creates the publish command.
func NewPublishCommand(root *RootOptions) *cobra.Command {
	opts := &PublishOptions{RootOptions: root}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Broadcast one event to a scope",
		Long: `Stamp and broadcast a single event. When the relay is unreachable the
event lands in the durable queue and is delivered by a later run.`,
		Example: `  partysync-agent publish --scope party-42 --action request-submitted --payload '{"title":"Africa"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return publishOne(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.ScopeID, "scope", "", "scope (party) id")
	cmd.Flags().StringVar(&opts.Action, "action", "", "event action")
	cmd.Flags().StringVar(&opts.Payload, "payload", "{}", "JSON payload")
	cmd.Flags().DurationVar(&opts.Linger, "linger", 500*time.Millisecond, "time to let the relay flush before exiting")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

// partialEvent validates the flags and builds the unstamped event.
func (o *PublishOptions) partialEvent() (domain.Event, error) {
	action := domain.Action(o.Action)
	if !action.Valid() {
		return domain.Event{}, fmt.Errorf("unknown action %q", o.Action)
	}
	if !json.Valid([]byte(o.Payload)) {
		return domain.Event{}, fmt.Errorf("payload is not valid JSON")
	}
	return domain.Event{
		Action:  action,
		ActorID: o.Config.Agent.ActorID,
		Source:  "partysync-agent",
		Payload: json.RawMessage(o.Payload),
	}, nil
}

func publishOne(cmd *cobra.Command, opts *PublishOptions) error {
	partial, err := opts.partialEvent()
	if err != nil {
		return err
	}

	a, err := newAgent(opts.Config, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if err := a.start(ctx, opts.ScopeID); err != nil {
		return err
	}
	connected := a.mgr.GetConnectionStatus().Connected

	evt, err := a.mgr.BroadcastEvent(ctx, partial)
	if err != nil {
		return err
	}

	via := "relay"
	if !connected {
		via = "queue"
	}
	out, err := json.Marshal(struct {
		Event domain.Event `json:"event"`
		Via   string       `json:"via"`
	}{evt, via})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))

	if opts.Linger > 0 {
		t := time.NewTimer(opts.Linger)
		defer t.Stop()
		select {
		case <-ctx.Done():
		case <-t.C:
		}
	}
	return nil
}
