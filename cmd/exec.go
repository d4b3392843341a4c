package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/page-agent/internal/interrupt"
	"github.com/xkilldash9x/page-agent/internal/pageagent"
)

func newExecCmd(a *app) *cobra.Command {
	var (
		target      string
		file        string
		description string
		waitBefore  time.Duration
		waitAfter   time.Duration
	)

	execCmd := &cobra.Command{
		Use:   "exec",
		Short: "Run a script defining main(context) against a page and print the result",
		Long: `Opens --url in a new browser, runs the script in --file ("-" reads stdin)
through the execute_javascript tool and prints the resume payload.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := readScript(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}

			inputs := map[string]any{
				"description": description,
				"js_code":     code,
			}
			if cmd.Flags().Changed("wait-before") {
				inputs["wait_before_run"] = waitBefore.Seconds()
			}
			if cmd.Flags().Changed("wait-after") {
				inputs["wait_after_run"] = waitAfter.Seconds()
			}

			a.logger.Info("Executing script", zap.String("url", target), zap.String("file", file))
			d, err := a.invokeOnce(cmd.Context(), target, pageagent.ToolExecuteJavaScript, inputs)
			if err != nil {
				return err
			}
			return printDecision(cmd.OutOrStdout(), d)
		},
	}

	execCmd.Flags().StringVarP(&target, "url", "u", "", "page to open (required)")
	execCmd.Flags().StringVarP(&file, "file", "f", "", `script file, "-" for stdin (required)`)
	execCmd.Flags().StringVarP(&description, "description", "d", "run script from the command line", "description recorded with the call")
	execCmd.Flags().DurationVar(&waitBefore, "wait-before", 0, "wait before running (default from sandbox.default_wait_before)")
	execCmd.Flags().DurationVar(&waitAfter, "wait-after", 0, "wait after running (default from sandbox.default_wait_after)")
	_ = execCmd.MarkFlagRequired("url")
	_ = execCmd.MarkFlagRequired("file")
	return execCmd
}

func readScript(stdin io.Reader, file string) (string, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read script: %w", err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return "", fmt.Errorf("script %q is empty", file)
	}
	return string(data), nil
}

// printDecision writes the payload of d. A rejection is also returned as an
// error so the process exits non-zero.
func printDecision(w io.Writer, d interrupt.Decision) error {
	fmt.Fprintln(w, d.Payload)
	if d.Kind == interrupt.KindReject {
		return fmt.Errorf("%w: %s", ErrRejected, d.Payload)
	}
	return nil
}
