package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/fingerprint"
)

func newFingerprintCmd() *cobra.Command {
	var (
		sessionID string
		content   string
		window    time.Duration
		at        string
	)

	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Print the fingerprint a request would be recorded under",
		RunE: func(cmd *cobra.Command, args []string) error {
			if sessionID == "" {
				return fmt.Errorf("--session is required")
			}
			if content == "" {
				return fmt.Errorf("--content is required")
			}
			if window <= 0 {
				return fmt.Errorf("--window must be positive")
			}
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("parse --at: %w", err)
				}
				now = t
			}

			out := cmd.OutOrStdout()
			bucket := fingerprint.BucketStart(now, window)
			fmt.Fprintf(out, "fingerprint:  %s\n", fingerprint.Generate(sessionID, content, window, now))
			fmt.Fprintf(out, "content_hash: %s\n", fingerprint.ContentHash(content))
			fmt.Fprintf(out, "bucket:       %d (%s)\n", bucket, time.Unix(bucket, 0).UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "session ID")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().DurationVar(&window, "window", fingerprint.DefaultWindow, "fingerprint time bucket width")
	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 instant instead of now")
	return cmd
}
