// Package fleetclient is the HTTP implementation of the worker
// runtime's CoordinatorClient contract, talking to the coordinator's
// internal/api surface over plain JSON and SSE.
package fleetclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fleetctl/fleetctl/internal/fleet"
	"github.com/fleetctl/fleetctl/internal/fleet/worker"
	"github.com/fleetctl/fleetctl/internal/log"
)

// Client is an HTTP worker.CoordinatorClient bound to one coordinator
// base URL.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client against baseURL (e.g. "http://localhost:8765").
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

var _ worker.CoordinatorClient = (*Client)(nil)

type registerRequest struct {
	Role string `json:"role,omitempty"`
}

type registerResponse struct {
	AgentID string `json:"agent_id"`
	Role    string `json:"role"`
}

// Register registers a new worker, using sessionTag as its advisory role.
func (c *Client) Register(ctx context.Context, sessionTag string) (string, error) {
	var resp registerResponse
	if err := c.postJSON(ctx, "/agent/register", registerRequest{Role: sessionTag}, &resp); err != nil {
		return "", err
	}
	return resp.AgentID, nil
}

type agentIDRequest struct {
	AgentID string `json:"agent_id"`
}

// Heartbeat records liveness for agentID.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	return c.postJSON(ctx, "/agent/heartbeat", agentIDRequest{AgentID: agentID}, nil)
}

// Unregister removes agentID from the fleet.
func (c *Client) Unregister(ctx context.Context, agentID string) error {
	return c.postJSON(ctx, "/agent/unregister", agentIDRequest{AgentID: agentID}, nil)
}

type claimRequest struct {
	AgentID string `json:"agent_id"`
}

type claimResponse struct {
	Task   *fleet.Task `json:"task,omitempty"`
	Role   string      `json:"role,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// ClaimTask attempts to claim one available task for agentID.
func (c *Client) ClaimTask(ctx context.Context, agentID string) (worker.ClaimResult, error) {
	var resp claimResponse
	if err := c.postJSON(ctx, "/task/claim", claimRequest{AgentID: agentID}, &resp); err != nil {
		return worker.ClaimResult{}, err
	}
	result := worker.ClaimResult{Role: resp.Role, Reason: resp.Reason}
	if resp.Task != nil {
		result.Task = *resp.Task
	}
	return result, nil
}

type completeRequest struct {
	AgentID    string `json:"agent_id"`
	TaskID     string `json:"task_id"`
	Success    bool   `json:"success"`
	PRURL      string `json:"pr_url,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
}

// CompleteTask reports agentID's outcome for taskID.
func (c *Client) CompleteTask(ctx context.Context, agentID, taskID string, success bool, prURL, branchName string) error {
	return c.postJSON(ctx, "/task/complete", completeRequest{
		AgentID:    agentID,
		TaskID:     taskID,
		Success:    success,
		PRURL:      prURL,
		BranchName: branchName,
	}, nil)
}

// Subscribe opens a long-lived SSE connection to the coordinator's
// /events stream and decodes NotificationEvent payloads as they
// arrive, filtering out occurrences addressed to other agents.
//
// This mirrors the coordinator's durable-pub/sub channel: SSE only
// carries events published while connected, so a worker reconnecting
// after downtime should call DrainPending first.
func (c *Client) Subscribe(ctx context.Context, agentID string) (<-chan fleet.NotificationEvent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/events", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("subscribe events: unexpected status %d", resp.StatusCode)
	}

	out := make(chan fleet.NotificationEvent, 16)
	go func() {
		defer close(out)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		var dataLine string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "data:"):
				dataLine = strings.TrimPrefix(line, "data:")
				dataLine = strings.TrimSpace(dataLine)
			case line == "":
				if dataLine == "" || dataLine == "{}" {
					dataLine = ""
					continue
				}
				var fe fleet.FleetEvent
				if err := json.Unmarshal([]byte(dataLine), &fe); err == nil && fe.AgentID == agentID {
					if evt, ok := notificationFromEvent(fe); ok {
						select {
						case out <- evt:
						case <-ctx.Done():
							return
						}
					}
				}
				dataLine = ""
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.ErrorErr(log.CatWorker, "event stream read failed", err, "agent", agentID)
		}
	}()
	return out, nil
}

// notificationFromEvent maps a merge-pipeline FleetEvent kind to the
// NotificationEvent shape the worker runtime's REACTING state expects;
// event kinds with no corresponding reaction (e.g. task_claimed) are
// not forwarded.
func notificationFromEvent(fe fleet.FleetEvent) (fleet.NotificationEvent, bool) {
	var t fleet.NotificationEventType
	switch fe.Kind {
	case "merge_success":
		t = fleet.EventMergeSuccess
	case "merge_conflict":
		t = fleet.EventConflictDetected
	case "merge_tests_failed":
		t = fleet.EventTestsFailed
	case "merge_failed":
		t = fleet.EventMergeFailed
	default:
		return fleet.NotificationEvent{}, false
	}
	return fleet.NotificationEvent{
		Type:      t,
		TaskID:    fe.TaskID,
		Timestamp: fe.Timestamp,
	}, true
}

type drainPendingResponse struct {
	Events []fleet.NotificationEvent `json:"events"`
}

// DrainPending fetches and clears notifications queued for agentID
// while it was disconnected from the live /events stream, so a worker
// reconnecting after downtime picks up what it missed before it
// starts Subscribe again.
func (c *Client) DrainPending(ctx context.Context, agentID string) ([]fleet.NotificationEvent, error) {
	var resp drainPendingResponse
	path := "/agent/" + agentID + "/notifications/pending"
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s: status %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
