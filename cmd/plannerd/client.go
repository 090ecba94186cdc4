package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	httpserver "github.com/fyrsmithlabs/plannerd/internal/http"
	"github.com/fyrsmithlabs/plannerd/internal/orchestrator"
	"github.com/fyrsmithlabs/plannerd/internal/transport"
)

var (
	sessionID   string
	planTimeout time.Duration
)

func init() {
	for _, cmd := range []*cobra.Command{classifyCmd, planCmd} {
		cmd.Flags().StringVar(&sessionID, "session", "", "session id (required)")
		_ = cmd.MarkFlagRequired("session")
	}
	planCmd.Flags().DurationVar(&planTimeout, "timeout", 5*time.Minute, "maximum time to wait for the plan to finish")
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check plannerd server health",
	Long: `Check the health status of the plannerd HTTP server.

Examples:
  # Check health
  plannerd health

  # Check health on a different server
  plannerd health --server http://localhost:8080`,
	Args: cobra.NoArgs,
	RunE: runHealth,
}

// classifyCmd classifies one instruction without executing it
var classifyCmd = &cobra.Command{
	Use:   "classify [text]",
	Short: "Classify an instruction into its first task",
	Long: `Classify an instruction and print the first task of its plan. The
instruction is recorded in the session, but no task handler runs.

Examples:
  plannerd classify --session s1 "Add a hero section with a signup button"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runClassify,
}

// planCmd runs a plan over the plan stream
var planCmd = &cobra.Command{
	Use:   "plan [text]",
	Short: "Run an instruction and print the streamed events",
	Long: `Submit an instruction over the plan stream and print every event as
one JSON line until the plan finishes or fails.

Examples:
  plannerd plan --session s1 "Add a pricing table and deploy to staging"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPlan,
}

// runHealth handles the health command
func runHealth(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/health", serverURL)

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var healthResp httpserver.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&healthResp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Server Status: %s\n", healthResp.Status)
	return nil
}

// runClassify handles the classify command
func runClassify(cmd *cobra.Command, args []string) error {
	reqJSON, err := json.Marshal(httpserver.ClassifyRequest{
		SessionID: sessionID,
		Text:      strings.Join(args, " "),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/classify", serverURL)
	httpReq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(reqJSON))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	client := &http.Client{
		Timeout: 60 * time.Second,
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return err
	}

	var classified orchestrator.ClassifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&classified); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Step:    %s\n", classified.StepID)
	fmt.Fprintf(out, "Type:    %s\n", classified.StepType)
	fmt.Fprintf(out, "Intent:  %s\n", classified.Intent)
	if classified.Context != "" {
		fmt.Fprintf(out, "Context: %s\n", classified.Context)
	}
	return nil
}

// runPlan handles the plan command
func runPlan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), planTimeout)
	defer cancel()

	url, err := streamURL(serverURL)
	if err != nil {
		return err
	}

	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	defer func() { _ = ws.CloseNow() }()

	req := transport.PlanRequest{
		Type:      transport.MessagePlanRequest,
		RequestID: uuid.NewString(),
		SessionID: sessionID,
		Text:      strings.Join(args, " "),
	}
	if err := wsjson.Write(ctx, ws, req); err != nil {
		return fmt.Errorf("failed to send plan request: %w", err)
	}

	return printEvents(ctx, ws, req.RequestID, cmd.OutOrStdout())
}

// printEvents prints events for requestID until a terminal one arrives. An
// error event is returned as an error.
func printEvents(ctx context.Context, ws *websocket.Conn, requestID string, out io.Writer) error {
	for {
		var ev orchestrator.Event
		if err := wsjson.Read(ctx, ws, &ev); err != nil {
			return fmt.Errorf("plan stream closed: %w", err)
		}
		if ev.RequestID != requestID {
			continue
		}

		line, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
		fmt.Fprintln(out, string(line))

		if !ev.Type.Terminal() {
			continue
		}
		_ = ws.Close(websocket.StatusNormalClosure, "")
		if ev.Type == orchestrator.EventError {
			return errors.New(ev.Error)
		}
		return nil
	}
}

// streamURL maps the server base URL onto the plan stream endpoint.
func streamURL(base string) (string, error) {
	switch {
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "ws://"), strings.HasPrefix(base, "wss://"):
	default:
		return "", fmt.Errorf("unsupported server URL %q", base)
	}
	return strings.TrimSuffix(base, "/") + "/api/v1/plans/ws", nil
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	body, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
	}
	return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
