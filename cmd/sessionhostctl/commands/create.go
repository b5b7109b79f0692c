package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencode-ai/sessionhost/pkg/types"
)

var (
	createArch    string
	createProfile string
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a new session and print its id",
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := sessionHost.CreateSession(cmd.Context(), createProfile, types.Architecture(createArch), nil)
		if err != nil {
			return err
		}
		fmt.Println(sess.ID())
		return nil
	},
}

func init() {
	createCmd.Flags().StringVar(&createArch, "architecture", string(types.ArchitectureClaudeSDK), "Execution architecture (claude-sdk|opencode)")
	createCmd.Flags().StringVar(&createProfile, "agent-profile", "default", "Agent profile reference")
	rootCmd.AddCommand(createCmd)
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all known session records",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := sessionHost.ListAll(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	},
}

func init() {
	rootCmd.AddCommand(listCmd)
}

var destroyCmd = &cobra.Command{
	Use:   "destroy <session-id>",
	Short: "Unload and permanently delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionHost.DestroySession(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}
