package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Get the status of a run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var logsFollow bool

var logsCmd = &cobra.Command{
	Use:   "logs [run-id]",
	Short: "View run output",
	Args:  cobra.ExactArgs(1),
	RunE:  runLogs,
}

func init() {
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow output until the run ends")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(logsCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	resp, err := http.Get(serverURL + "/api/runs/" + args[0])
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	var run struct {
		ID          string `json:"id"`
		SessionID   string `json:"session_id"`
		CommandText string `json:"command_text"`
		Status      string `json:"status"`
		TimeoutKind string `json:"timeout_kind"`
		ExitCode    *int   `json:"exit_code"`
		Error       string `json:"error"`
		SubmittedAt string `json:"submitted_at"`
		EndedAt     string `json:"ended_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&run); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}

	fmt.Printf("Run:       %s\n", run.ID)
	fmt.Printf("Session:   %s\n", run.SessionID)
	fmt.Printf("Status:    %s\n", run.Status)
	if run.TimeoutKind != "" {
		fmt.Printf("Timeout:   %s\n", run.TimeoutKind)
	}
	if run.ExitCode != nil {
		fmt.Printf("Exit code: %d\n", *run.ExitCode)
	}
	if run.Error != "" {
		fmt.Printf("Error:     %s\n", run.Error)
	}
	fmt.Printf("Command:   %s\n", run.CommandText)
	fmt.Printf("Submitted: %s\n", run.SubmittedAt)
	if run.EndedAt != "" {
		fmt.Printf("Ended:     %s\n", run.EndedAt)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	url := serverURL + "/api/runs/" + args[0] + "/events"
	if !logsFollow {
		url += "?follow=0"
	}
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
	}

	// The endpoint is SSE; print the data payloads as lines.
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var entry struct {
			Stream string `json:"stream"`
			Line   string `json:"line"`
		}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &entry); err != nil {
			continue
		}
		if entry.Stream == "stderr" {
			fmt.Printf("[stderr] %s\n", entry.Line)
		} else {
			fmt.Println(entry.Line)
		}
	}
	return scanner.Err()
}
