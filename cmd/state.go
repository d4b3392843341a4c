package cmd

import (
	"github.com/spf13/cobra"

	"github.com/xkilldash9x/page-agent/internal/pageagent"
)

func newStateCmd(a *app) *cobra.Command {
	var target string

	stateCmd := &cobra.Command{
		Use:   "state",
		Short: "Print the browser state document for a page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := a.invokeOnce(cmd.Context(), target, pageagent.ToolGetBrowserState, map[string]any{
				"description": "inspect page from the command line",
			})
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), d)
		},
	}

	stateCmd.Flags().StringVarP(&target, "url", "u", "", "page to open (required)")
	_ = stateCmd.MarkFlagRequired("url")
	return stateCmd
}
