package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/client"
	"github.com/cuemby/colony/pkg/types"
)

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Submit and inspect jobs",
}

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("server")
	return client.New(addr)
}

var jobSubmitCmd = &cobra.Command{
	Use:   "submit COMMAND",
	Short: "Submit a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, _ := cmd.Flags().GetString("params")
		priority, _ := cmd.Flags().GetInt("priority")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		target, _ := cmd.Flags().GetString("target")
		caps, _ := cmd.Flags().GetStringSlice("capabilities")
		key, _ := cmd.Flags().GetString("idempotency-key")

		req := &client.SubmitJobRequest{
			Command:              args[0],
			Priority:             priority,
			TimeoutSeconds:       int(timeout.Seconds()),
			TargetAgentID:        target,
			RequiredCapabilities: caps,
			IdempotencyKey:       key,
		}
		if params != "" {
			req.Parameters = json.RawMessage(params)
		}
		if cmd.Flags().Changed("max-retries") {
			n, _ := cmd.Flags().GetInt("max-retries")
			req.MaxRetries = &n
		}

		res, err := apiClient(cmd).SubmitJob(context.Background(), req)
		if err != nil {
			return err
		}
		if res.Existing {
			fmt.Printf("Job %s (existing submission for this key)\n", res.JobID)
		} else {
			fmt.Printf("Job %s submitted\n", res.JobID)
		}
		return nil
	},
}

var jobListCmd = &cobra.Command{
	Use:   "list",
	Short: "List jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		agentID, _ := cmd.Flags().GetString("agent")

		list, err := apiClient(cmd).ListJobs(context.Background(), status, agentID)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tAGENT\tATTEMPTS\tCREATED")
		for _, j := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				j.ID, j.Command, j.Status, j.AssignedAgentID, j.AttemptCount,
				j.CreatedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var jobGetCmd = &cobra.Command{
	Use:   "get JOB_ID",
	Short: "Show a job record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		job, err := apiClient(cmd).GetJob(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobHistoryCmd = &cobra.Command{
	Use:   "history JOB_ID",
	Short: "Show a job's lifecycle transitions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		evs, err := apiClient(cmd).JobHistory(context.Background(), args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tEVENT\tTIME")
		for _, e := range evs {
			fmt.Fprintf(w, "%d\t%s\t%s\n", e.Sequence, e.Type, e.Timestamp.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var jobOutputCmd = &cobra.Command{
	Use:   "output JOB_ID",
	Short: "Print a job's recorded output stream",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := apiClient(cmd).JobOutput(context.Background(), args[0])
		if err != nil {
			return err
		}
		for _, item := range items {
			os.Stdout.Write(item.Payload)
			fmt.Println()
		}
		return nil
	},
}

var jobCancelCmd = &cobra.Command{
	Use:   "cancel JOB_ID",
	Short: "Cancel a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := apiClient(cmd).CancelJob(context.Background(), args[0], reason); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for %s\n", args[0])
		return nil
	},
}

var jobDeadLettersCmd = &cobra.Command{
	Use:   "deadletters",
	Short: "List jobs that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		dls, err := apiClient(cmd).DeadLetters(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "JOB\tCOMMAND\tATTEMPTS\tLAST ERROR\tRECORDED")
		for _, dl := range dls {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				dl.JobID, dl.Command, dl.Attempts, dl.LastError,
				dl.RecordedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusNames is the operator-facing list for flag help
var statusNames = []types.JobStatus{
	types.JobStatusPending, types.JobStatusAssigned, types.JobStatusRunning,
	types.JobStatusCompleted, types.JobStatusFailed, types.JobStatusCancelled,
	types.JobStatusTimedOut,
}

func init() {
	jobCmd.AddCommand(jobSubmitCmd)
	jobCmd.AddCommand(jobListCmd)
	jobCmd.AddCommand(jobGetCmd)
	jobCmd.AddCommand(jobHistoryCmd)
	jobCmd.AddCommand(jobOutputCmd)
	jobCmd.AddCommand(jobCancelCmd)
	jobCmd.AddCommand(jobDeadLettersCmd)

	jobSubmitCmd.Flags().String("params", "", "JSON parameters for the handler")
	jobSubmitCmd.Flags().Int("priority", 0, "Higher dispatches first")
	jobSubmitCmd.Flags().Duration("timeout", 0, "Execution timeout (0 = server default)")
	jobSubmitCmd.Flags().Int("max-retries", 0, "Retry budget (unset = server default)")
	jobSubmitCmd.Flags().String("target", "", "Pin to a specific agent")
	jobSubmitCmd.Flags().StringSlice("capabilities", nil, "Required capabilities")
	jobSubmitCmd.Flags().String("idempotency-key", "", "Deduplication key")

	jobListCmd.Flags().String("status", "", fmt.Sprintf("Filter by status %v", statusNames))
	jobListCmd.Flags().String("agent", "", "Filter by assigned agent")

	jobCancelCmd.Flags().String("reason", "cancelled by operator", "Cancellation reason")
}
