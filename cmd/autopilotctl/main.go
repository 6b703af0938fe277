// Package main is autopilotctl, the operator CLI for a running
// autopilotd: status, pause/resume, manual cycle runs, version history,
// and bounds inspection over the HTTP control API.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverAddr string
	client     = &http.Client{Timeout: 30 * time.Second}
)

func main() {
	root := &cobra.Command{
		Use:           "autopilotctl",
		Short:         "Operator CLI for the autopilot control node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8090", "autopilotd HTTP API address")

	root.AddCommand(
		statusCmd(),
		pauseCmd(),
		resumeCmd(),
		runCycleCmd(),
		cyclesCmd(),
		versionsCmd(),
		rollbackCmd(),
		boundsCmd(),
		triageCmd(),
		emergencyStopCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show autopilot pause state and head version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON("/api/v1/status")
		},
	}
}

func pauseCmd() *cobra.Command {
	var minutes int
	var reason string
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the autopilot for a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/v1/pause", map[string]any{
				"duration_minutes": minutes,
				"reason":           reason,
			})
		},
	}
	cmd.Flags().IntVar(&minutes, "minutes", 60, "pause duration in minutes")
	cmd.Flags().StringVar(&reason, "reason", "operator_pause", "pause reason for the audit trail")
	return cmd
}

func resumeCmd() *cobra.Command {
	var operator string
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Clear the autopilot pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required for the audit trail")
			}
			return postJSON("/api/v1/resume", map[string]any{"operator_id": operator})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator identifier")
	return cmd
}

func runCycleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-cycle",
		Short: "Run one autopilot cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/v1/cycles/run", map[string]any{})
		},
	}
}

func cyclesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "List recent cycle outcomes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return getJSON(fmt.Sprintf("/api/v1/cycles?limit=%d", limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of cycles to show")
	return cmd
}

func versionsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "versions [version-id]",
		Short: "List Card versions, or show one by id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return getJSON("/api/v1/versions/" + args[0])
			}
			return getJSON(fmt.Sprintf("/api/v1/versions?limit=%d", limit))
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of versions to list")
	return cmd
}

func rollbackCmd() *cobra.Command {
	var operator, reason string
	cmd := &cobra.Command{
		Use:   "rollback <version-id>",
		Short: "Roll the Card back to a prior version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operator == "" {
				return fmt.Errorf("--operator is required for the audit trail")
			}
			return postJSON("/api/v1/versions/"+args[0]+"/rollback", map[string]any{
				"operator_id": operator,
				"reason":      reason,
			})
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "", "operator identifier")
	cmd.Flags().StringVar(&reason, "reason", "", "why the rollback is needed")
	return cmd
}

func boundsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bounds [path]",
		Short: "List parameter bounds, or show one parameter",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return getJSON("/api/v1/bounds/" + args[0])
			}
			return getJSON("/api/v1/bounds")
		},
	}
}

func triageCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "triage-run",
		Short: "Trigger an out-of-schedule triage pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/v1/triage/run", map[string]any{})
		},
	}
}

func emergencyStopCmd() *cobra.Command {
	var clear bool
	cmd := &cobra.Command{
		Use:   "canary-stop",
		Short: "Set or clear the canary emergency stop flag",
		RunE: func(cmd *cobra.Command, args []string) error {
			return postJSON("/api/v1/canary/emergency-stop", map[string]any{"stop": !clear})
		},
	}
	cmd.Flags().BoolVar(&clear, "clear", false, "clear the flag instead of setting it")
	return cmd
}

func getJSON(path string) error {
	resp, err := client.Get(serverAddr + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func postJSON(path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	resp, err := client.Post(serverAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return printResponse(resp)
}

func printResponse(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Write(data)
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
