package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Probe a running broker's health endpoint",
		Long: `Probe a running broker and print its room summary.

Exits non-zero when the broker is unreachable or unhealthy, so it can
double as a container health check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(url, timeout)
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://localhost:8080/healthz", "Health endpoint URL")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Request timeout")

	return cmd
}

func runCheck(url string, timeout time.Duration) error {
	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("broker unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("broker unhealthy: status %d", resp.StatusCode)
	}

	var body struct {
		Status        string `json:"status"`
		Participants  int    `json:"participants"`
		Locks         int    `json:"locks"`
		DocumentBytes int    `json:"documentBytes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode health response: %w", err)
	}

	fmt.Printf("status:        %s\n", body.Status)
	fmt.Printf("participants:  %d\n", body.Participants)
	fmt.Printf("locks:         %d\n", body.Locks)
	fmt.Printf("document size: %d bytes\n", body.DocumentBytes)
	return nil
}
