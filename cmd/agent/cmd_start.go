package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/jobs"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store"
)

// Exit codes mirror the original CLI's ctx.exit() conventions, extended
// for conditions only the long-running Go loop can detect.
const (
	exitOK               = 0
	exitNotRegistered    = 1
	exitRevoked          = 2
	exitConnectionExhausted = 3
)

// maxConsecutiveFailures bounds how many back-to-back heartbeat/claim
// failures the loop tolerates before giving up and exiting 3, rather than
// retrying against an unreachable coordinator forever.
const maxConsecutiveFailures = 10

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the agent polling loop",
	Run: func(cmd *cobra.Command, args []string) {
		path, err := resolveConfigPath()
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitNotRegistered)
		}
		cfg, err := loadConfig(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(exitNotRegistered)
		}
		if !cfg.isRegistered() {
			fmt.Fprintln(os.Stderr, "Agent is not registered. Run 'shuttersense-agent register' first.")
			os.Exit(exitNotRegistered)
		}

		setupLogging(cfg.LogLevel)
		log := logrus.WithField("agent", cfg.AgentName)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		os.Exit(runAgent(ctx, path, cfg, log))
	},
}

// runAgent is the polling loop: heartbeat on its own interval, claim on a
// (usually shorter) interval, running at most one job at a time.
func runAgent(ctx context.Context, path string, cfg *agentConfig, log logrus.FieldLogger) int {
	client := newAPIClient(cfg.ServerURL, cfg.APIKey)

	heartbeatTicker := time.NewTicker(cfg.heartbeatInterval())
	defer heartbeatTicker.Stop()
	pollTicker := time.NewTicker(cfg.pollInterval())
	defer pollTicker.Stop()

	failures := 0
	recordFailure := func(err error) int {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusForbidden {
			log.WithError(err).Error("agent has been revoked")
			return exitRevoked
		}
		failures++
		log.WithError(err).WithField("consecutive_failures", failures).Warn("request failed")
		if failures >= maxConsecutiveFailures {
			log.Error("too many consecutive failures, giving up")
			return exitConnectionExhausted
		}
		return -1
	}

	for {
		select {
		case <-ctx.Done():
			log.Info("shutdown signal received, disconnecting")
			_ = client.Disconnect(context.Background())
			return exitOK

		case <-heartbeatTicker.C:
			resp, err := client.Heartbeat(ctx, heartbeatRequest{
				Capabilities: detectCapabilities(),
			})
			if err != nil {
				if code := recordFailure(err); code >= 0 {
					return code
				}
				continue
			}
			failures = 0
			cfg.LastHeartbeatAt = resp.ServerTime
			_ = saveConfig(path, cfg)

		case <-pollTicker.C:
			job, err := client.ClaimNext(ctx)
			if err != nil {
				if code := recordFailure(err); code >= 0 {
					return code
				}
				continue
			}
			failures = 0
			if job == nil {
				continue
			}
			runJob(ctx, client, job, log)
		}
	}
}

// runJob executes a single claimed job end to end. Actual analysis-tool
// dispatch is an external collaborator (§5 Non-goals); this loop only
// owns the claim/progress/complete/fail lifecycle against the
// coordinator's API.
func runJob(ctx context.Context, client *apiClient, job *store.Job, log logrus.FieldLogger) {
	jobLog := log.WithField("job_guid", job.GUID)
	jobLog.Info("claimed job")

	result, execErr := executeJob(ctx, job)
	if execErr != nil {
		if _, err := client.Fail(ctx, job.GUID, execErr.Error()); err != nil {
			jobLog.WithError(err).Error("failed to report job failure")
		}
		return
	}

	sig := jobs.SignPayload("", result)
	if _, err := client.Complete(ctx, job.GUID, completeRequest{ResultPayload: result, Signature: sig}); err != nil {
		jobLog.WithError(err).Error("failed to report job completion")
	}
}

// executeJob is a placeholder for the pluggable analysis-tool dispatch
// table the original CLI's job_executor module implements; wiring actual
// tools (exif scan, duplicate detection, ...) is out of scope here.
func executeJob(ctx context.Context, job *store.Job) (map[string]interface{}, error) {
	return map[string]interface{}{"tool": job.Tool, "status": "no-op"}, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the agent's registration and last-heartbeat state",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveConfigPath()
		if err != nil {
			return err
		}
		cfg, err := loadConfig(path)
		if err != nil {
			return err
		}
		if !cfg.isRegistered() {
			fmt.Println("Not registered.")
			return nil
		}
		fmt.Printf("Name:           %s\n", cfg.AgentName)
		fmt.Printf("GUID:           %s\n", cfg.AgentGUID)
		fmt.Printf("Server:         %s\n", cfg.ServerURL)
		if !cfg.LastHeartbeatAt.IsZero() {
			fmt.Printf("Last heartbeat: %s\n", cfg.LastHeartbeatAt.Format(time.RFC3339))
		}
		encoded, _ := json.MarshalIndent(cfg, "", "  ")
		fmt.Println(string(encoded))
		return nil
	},
}
