package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tbourn/go-party-sync/internal/pollclient"
)

// NewStateCommand creates the state command.
func NewStateCommand(root *RootOptions) *cobra.Command {
	var scopeID string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Print the server's snapshot of a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := root.Config.Agent
			pc, err := pollclient.New(pollclient.Config{
				BaseURL: cfg.ServerURL,
				Timeout: cfg.HTTPTimeout,
				ActorID: cfg.ActorID,
			})
			if err != nil {
				return err
			}
			snap, err := pc.State(cmd.Context(), scopeID)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
	cmd.Flags().StringVar(&scopeID, "scope", "", "scope (party) id")
	_ = cmd.MarkFlagRequired("scope")
	return cmd
}
