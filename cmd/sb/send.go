package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const messagesPath = "/api/v1/messages"

type sendRequest struct {
	SessionID      string `json:"sessionId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func newSendCmd() *cobra.Command {
	var (
		baseURL   string
		sessionID string
		content   string
		key       string
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Submit a message to a running signalbox",
		Long: `Posts one message to the inbound API and prints the status line and
body. Reuse --key to observe a cached replay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				key = uuid.NewString()
			}
			return runSend(cmd, baseURL, sendRequest{
				SessionID:      sessionID,
				Content:        content,
				IdempotencyKey: key,
			}, timeout)
		},
	}

	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "signalbox base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (default: random UUID)")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "overall request timeout")
	return cmd
}

func runSend(cmd *cobra.Command, baseURL string, req sendRequest, timeout time.Duration) error {
	out := cmd.OutOrStdout()

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + messagesPath
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	fmt.Fprintf(out, "idempotency key: %s\n", req.IdempotencyKey)
	fmt.Fprintf(out, "%s\n", resp.Status)
	if resp.Header.Get("Idempotent-Replayed") == "true" {
		fmt.Fprintln(out, "(replayed)")
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, body, "", "  ") == nil {
		fmt.Fprintln(out, pretty.String())
	} else {
		fmt.Fprintln(out, string(body))
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("signalbox returned %s", resp.Status)
	}
	return nil
}
