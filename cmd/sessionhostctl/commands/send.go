package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionhost/internal/ids"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

var sendCmd = &cobra.Command{
	Use:   "send <session-id> <message...>",
	Short: "Send a message to a session and stream its events until the query completes",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]
		message := strings.Join(args[1:], " ")

		clientID := ids.NewClient()
		sub, err := sessionHost.Bus().Subscribe(clientID, sessionID)
		if err != nil {
			return fmt.Errorf("subscribing to session events: %w", err)
		}
		defer sessionHost.Bus().Unsubscribe(clientID, sessionID)

		if err := sessionHost.SendMessage(cmd.Context(), sessionID, message); err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for ev := range sub.Events {
			_ = enc.Encode(ev)
			if ev.Type == types.EventQueryCompleted || ev.Type == types.EventQueryFailed {
				return nil
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
}
