package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// Node commands
var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Inspect registered agents",
}

var nodeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		agents, err := apiClient(cmd).ListAgents(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tSTATUS\tGROUP\tCAPABILITIES\tLAST HEARTBEAT")
		for _, a := range agents {
			caps := make([]string, 0, len(a.Capabilities))
			for _, c := range a.Capabilities {
				caps = append(caps, c.Name)
			}
			hb := "-"
			if !a.LastHeartbeat.IsZero() {
				hb = a.LastHeartbeat.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, a.Status, a.Group, strings.Join(caps, ","), hb)
		}
		return w.Flush()
	},
}

var nodeGetCmd = &cobra.Command{
	Use:   "get AGENT_ID",
	Short: "Show an agent record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		agent, err := apiClient(cmd).GetAgent(context.Background(), args[0])
		if err != nil {
			return err
		}
		return printJSON(agent)
	},
}

// Enrollment commands
var enrollmentCmd = &cobra.Command{
	Use:   "enrollment",
	Short: "Decide pending enrollments",
}

var enrollmentListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending enrollment requests",
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, err := apiClient(cmd).ListEnrollments(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNODE\tNAME\tREQUESTED CAPABILITIES\tSUBMITTED")
		for _, r := range pending {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.ID, r.NodeID, r.NodeName, strings.Join(r.RequestedCapabilities, ","),
				r.SubmittedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var enrollmentApproveCmd = &cobra.Command{
	Use:   "approve ENROLLMENT_ID",
	Short: "Approve an enrollment, optionally narrowing capabilities",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		caps, _ := cmd.Flags().GetStringSlice("capabilities")
		actor, _ := cmd.Flags().GetString("actor")

		cert, err := apiClient(cmd).ApproveEnrollment(context.Background(), args[0], caps, actor)
		if err != nil {
			return err
		}
		fmt.Printf("Approved. Certificate %s for node %s, capabilities %s\n",
			cert.Serial, cert.NodeID, strings.Join(cert.Capabilities, ","))
		return nil
	},
}

var enrollmentRejectCmd = &cobra.Command{
	Use:   "reject ENROLLMENT_ID",
	Short: "Reject an enrollment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		block, _ := cmd.Flags().GetBool("block")
		actor, _ := cmd.Flags().GetString("actor")

		if err := apiClient(cmd).RejectEnrollment(context.Background(), args[0], block, actor); err != nil {
			return err
		}
		fmt.Println("Rejected")
		return nil
	},
}

// Token commands
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Manage the bootstrap token",
}

var tokenShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show token settings (never the secret)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ts, err := apiClient(cmd).TokenSettings(context.Background())
		if err != nil {
			return err
		}
		fmt.Printf("ID:           %s\n", ts.ID)
		fmt.Printf("Enabled:      %v\n", ts.Enabled)
		fmt.Printf("Auto-approve: %v\n", ts.AutoApprove)
		return nil
	},
}

var tokenRotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the bootstrap token",
	Long: `Rotate invalidates the current bootstrap token and generates a new
one. The plaintext is printed exactly once; store it securely.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		autoApprove, _ := cmd.Flags().GetBool("auto-approve")

		ts, err := apiClient(cmd).RegenerateToken(context.Background(), autoApprove)
		if err != nil {
			return err
		}
		fmt.Printf("New bootstrap token: %s\n", ts.Token)
		return nil
	},
}

var tokenEnableCmd = &cobra.Command{
	Use:   "enable",
	Short: "Enable bootstrap enrollment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient(cmd).SetTokenEnabled(context.Background(), true)
	},
}

var tokenDisableCmd = &cobra.Command{
	Use:   "disable",
	Short: "Disable bootstrap enrollment",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiClient(cmd).SetTokenEnabled(context.Background(), false)
	},
}

// Certificate commands
var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect and revoke certificates",
}

var certListCmd = &cobra.Command{
	Use:   "list",
	Short: "List issued certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		certs, err := apiClient(cmd).ListCertificates(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tNODE\tCAPABILITIES\tEXPIRES")
		for _, c := range certs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				c.Serial, c.NodeID, strings.Join(c.Capabilities, ","),
				c.ExpiresAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke NODE_ID",
	Short: "Revoke a node's certificates",
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		actor, _ := cmd.Flags().GetString("actor")

		if err := apiClient(cmd).RevokeCertificate(context.Background(), args[0], reason, actor); err != nil {
			return err
		}
		fmt.Printf("Revoked certificates for %s\n", args[0])
		return nil
	},
	Args: cobra.ExactArgs(1),
}

var certRevocationsCmd = &cobra.Command{
	Use:   "revocations",
	Short: "List revocation records",
	RunE: func(cmd *cobra.Command, args []string) error {
		revs, err := apiClient(cmd).ListRevocations(context.Background())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERIAL\tNODE\tREASON\tACTOR\tREVOKED")
		for _, r := range revs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Serial, r.NodeID, r.Reason, r.Actor, r.RevokedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

func init() {
	nodeCmd.AddCommand(nodeListCmd)
	nodeCmd.AddCommand(nodeGetCmd)

	enrollmentCmd.AddCommand(enrollmentListCmd)
	enrollmentCmd.AddCommand(enrollmentApproveCmd)
	enrollmentCmd.AddCommand(enrollmentRejectCmd)
	enrollmentApproveCmd.Flags().StringSlice("capabilities", nil, "Grant a subset of requested capabilities")
	enrollmentApproveCmd.Flags().String("actor", "admin", "Decision actor recorded in the audit trail")
	enrollmentRejectCmd.Flags().Bool("block", false, "Block this node from re-enrolling")
	enrollmentRejectCmd.Flags().String("actor", "admin", "Decision actor recorded in the audit trail")

	tokenCmd.AddCommand(tokenShowCmd)
	tokenCmd.AddCommand(tokenRotateCmd)
	tokenCmd.AddCommand(tokenEnableCmd)
	tokenCmd.AddCommand(tokenDisableCmd)
	tokenRotateCmd.Flags().Bool("auto-approve", false, "Auto-approve enrollments using this token")

	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certRevokeCmd)
	certCmd.AddCommand(certRevocationsCmd)
	certRevokeCmd.Flags().String("reason", "", "Revocation reason")
	certRevokeCmd.Flags().String("actor", "admin", "Decision actor recorded in the audit trail")
}
