package main

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/colony/pkg/agent"
	"github.com/cuemby/colony/pkg/errdefs"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run or enroll a worker agent",
}

// credentialsFile is the on-disk form of an agent's identity
type credentialsFile struct {
	Certificate *types.Certificate `json:"certificate"`
	PrivateKey  []byte             `json:"privateKey"`
}

var agentEnrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Enroll this node with a bootstrap token",
	Long: `Enroll generates an Ed25519 key-pair, opens a restricted bootstrap
session to the hub, and requests admission. It blocks until an operator
decides (or immediately when auto-approve is on), then writes the
certificate and private key to the credentials file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		hubURL, _ := cmd.Flags().GetString("hub")
		token, _ := cmd.Flags().GetString("token")
		nodeID, _ := cmd.Flags().GetString("node-id")
		name, _ := cmd.Flags().GetString("name")
		caps, _ := cmd.Flags().GetStringSlice("capabilities")
		credsPath, _ := cmd.Flags().GetString("creds")

		if token == "" {
			return fmt.Errorf("--token is required")
		}
		if nodeID == "" {
			host, err := os.Hostname()
			if err != nil {
				return err
			}
			nodeID = host
		}
		if name == "" {
			name = nodeID
		}

		log.Init(log.Config{Level: log.InfoLevel})
		fmt.Printf("Enrolling node %s with %s...\n", nodeID, hubURL)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		creds, err := agent.Enroll(ctx, agent.EnrollOptions{
			HubURL:         hubURL,
			BootstrapToken: token,
			NodeID:         nodeID,
			NodeName:       name,
			Capabilities:   caps,
		})
		if err != nil {
			return fmt.Errorf("enrollment failed: %w", err)
		}

		if err := saveCredentials(credsPath, creds); err != nil {
			return err
		}
		fmt.Printf("Enrolled. Certificate serial %s, capabilities %s\n",
			creds.Certificate.Serial, strings.Join(creds.Certificate.Capabilities, ","))
		fmt.Printf("Credentials written to %s\n", credsPath)
		return nil
	},
}

var agentRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the agent with stored credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		hubURL, _ := cmd.Flags().GetString("hub")
		credsPath, _ := cmd.Flags().GetString("creds")
		group, _ := cmd.Flags().GetString("group")
		heartbeat, _ := cmd.Flags().GetDuration("heartbeat")
		logLevel, _ := cmd.Flags().GetString("log-level")

		log.Init(log.Config{Level: log.Level(logLevel)})

		creds, err := loadCredentials(credsPath)
		if err != nil {
			return err
		}

		caps := make([]*types.Capability, 0, len(creds.Certificate.Capabilities))
		for _, name := range creds.Certificate.Capabilities {
			caps = append(caps, &types.Capability{Name: name})
		}

		a, err := agent.New(agent.Config{
			AgentID:           creds.Certificate.NodeID,
			Name:              creds.Certificate.NodeID,
			Capabilities:      caps,
			Group:             group,
			HubURL:            hubURL,
			HeartbeatInterval: heartbeat,
			Certificate:       creds.Certificate,
			PrivateKey:        ed25519.PrivateKey(creds.PrivateKey),
		})
		if err != nil {
			return err
		}
		registerDemoHandlers(a)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Reconnect with backoff until interrupted
		delay := time.Second
		for {
			err := a.Run(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if err != nil && !errdefs.IsTransient(err) {
				return err
			}
			fmt.Fprintf(os.Stderr, "connection lost, retrying in %s\n", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			if delay < 30*time.Second {
				delay *= 2
			}
		}
	},
}

// registerDemoHandlers wires the built-in test commands. Real
// deployments register domain handlers through the agent package.
func registerDemoHandlers(a *agent.Agent) {
	a.Handle("echo", func(ctx context.Context, job *types.Job, r agent.Reporter) ([]byte, error) {
		return job.Parameters, nil
	})
	a.Handle("sleep", func(ctx context.Context, job *types.Job, r agent.Reporter) ([]byte, error) {
		var p struct {
			Seconds int `json:"seconds"`
		}
		if err := json.Unmarshal(job.Parameters, &p); err != nil {
			return nil, err
		}
		for i := 0; i < p.Seconds; i++ {
			select {
			case <-time.After(time.Second):
				r.Progress((i+1)*100/p.Seconds, fmt.Sprintf("%d/%d", i+1, p.Seconds))
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return []byte("done"), nil
	})
}

func saveCredentials(path string, creds *agent.Credentials) error {
	data, err := json.MarshalIndent(credentialsFile{
		Certificate: creds.Certificate,
		PrivateKey:  creds.PrivateKey,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func loadCredentials(path string) (*credentialsFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials %s (run 'colony agent enroll' first): %w", path, err)
	}
	var creds credentialsFile
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credentials %s: %w", path, err)
	}
	if creds.Certificate == nil || len(creds.PrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("credentials %s are incomplete: %w", path, errdefs.ErrInvalidArgument)
	}
	return &creds, nil
}

func defaultCredsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "colony-agent.json"
	}
	return filepath.Join(home, ".colony", "agent.json")
}

func init() {
	agentCmd.AddCommand(agentEnrollCmd)
	agentCmd.AddCommand(agentRunCmd)

	for _, c := range []*cobra.Command{agentEnrollCmd, agentRunCmd} {
		c.Flags().String("hub", "ws://127.0.0.1:7946/hub", "Hub websocket URL")
		c.Flags().String("creds", defaultCredsPath(), "Credentials file path")
	}
	agentEnrollCmd.Flags().String("token", "", "Bootstrap token from the server")
	agentEnrollCmd.Flags().String("node-id", "", "Node identity (default: hostname)")
	agentEnrollCmd.Flags().String("name", "", "Display name (default: node id)")
	agentEnrollCmd.Flags().StringSlice("capabilities", []string{"echo", "sleep"}, "Requested capabilities")

	agentRunCmd.Flags().String("group", "", "Agent group tag")
	agentRunCmd.Flags().Duration("heartbeat", 5*time.Second, "Heartbeat interval")
	agentRunCmd.Flags().String("log-level", "info", "Log level")
}
