package cmd

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/page-agent/internal/pageagent"
)

func newToolsCmd(a *app) *cobra.Command {
	var shortcuts bool

	toolsCmd := &cobra.Command{
		Use:   "tools",
		Short: "Print the tool definitions offered to the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if shortcuts {
				fmt.Fprintln(cmd.OutOrStdout(), pageagent.New(nil, a.logger).ShortcutUsagePrompt())
				return nil
			}
			out, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(pageagent.Tools(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode tool definitions: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	toolsCmd.Flags().BoolVar(&shortcuts, "shortcuts", false, "print the shortcut document instead")
	return toolsCmd
}
