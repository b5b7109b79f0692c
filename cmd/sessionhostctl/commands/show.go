package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var showCmd = &cobra.Command{
	Use:   "show <session-id>",
	Short: "Print a session's conversation state and runtime status as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID := args[0]

		sess, ok := sessionHost.GetSession(sessionID)
		if !ok {
			var err error
			sess, err = sessionHost.LoadSession(cmd.Context(), sessionID)
			if err != nil {
				return err
			}
		}

		conversation, runtime, debugEvents, logEntries := sess.GetState()
		out := struct {
			Record       any `json:"record"`
			Conversation any `json:"conversation"`
			Runtime      any `json:"runtime"`
			DebugEvents  any `json:"debugEvents"`
			Logs         any `json:"logs"`
		}{
			Record:       sess.Record(),
			Conversation: conversation,
			Runtime:      runtime,
			DebugEvents:  debugEvents,
			Logs:         logEntries,
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(showCmd)
}
