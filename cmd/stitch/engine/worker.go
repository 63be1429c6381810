package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xeipuuv/gojsonschema"

	"github.com/stitchhq/stitch/common/sdk"
	"github.com/stitchhq/stitch/common/store"
)

// webhookRequest is the outbound worker protocol body.
type webhookRequest struct {
	RunID       string                 `json:"runId"`
	NodeID      string                 `json:"nodeId"`
	Config      map[string]interface{} `json:"config"`
	Input       interface{}            `json:"input"`
	CallbackURL string                 `json:"callbackUrl"`
}

// fireWorker claims a pending worker node and dispatches it: registered
// worker types run in process, everything else goes out over the webhook.
// The node stays running until its completion arrives through CompleteNode.
func (e *Engine) fireWorker(ctx context.Context, runID uuid.UUID, inst sdk.InstanceID, node *sdk.Node, input interface{}) (bool, error) {
	nodeID := inst.String()

	if err := e.store.UpdateNodeState(ctx, runID, nodeID, &sdk.NodeState{Status: sdk.StatusRunning}, sdk.StatusPending); err != nil {
		if errors.Is(err, store.ErrStateConflict) {
			return false, nil // another walker claimed it
		}
		return false, err
	}

	cfg := node.Worker
	if cfg == nil {
		if err := e.failNode(ctx, runID, nodeID, errInvalidWebhookURL, sdk.StatusRunning); err != nil {
			return false, err
		}
		return true, nil
	}

	if cfg.WorkerType != "" {
		if exec, ok := e.registry.Get(cfg.WorkerType); ok {
			task := Task{RunID: runID, NodeID: nodeID, Config: cfg.Config, Input: input}
			if err := exec.Execute(ctx, task, e); err != nil {
				// Executor errors complete the node through the shared
				// path so successors observe the failure normally.
				return false, e.CompleteNode(ctx, runID, nodeID, sdk.StatusFailed, nil, err.Error())
			}
			return false, nil
		}
	}

	if msg, ok := e.dispatchWebhook(ctx, runID, nodeID, cfg, input); !ok {
		if err := e.failNode(ctx, runID, nodeID, msg, sdk.StatusRunning); err != nil {
			if errors.Is(err, store.ErrStateConflict) {
				return false, nil
			}
			return false, err
		}
		return true, nil
	}

	return false, nil
}

// dispatchWebhook POSTs the worker protocol body to the node's webhook with
// the configured deadline. Returns ("", true) on any 2xx; otherwise the
// canonical error message for the node state.
func (e *Engine) dispatchWebhook(ctx context.Context, runID uuid.UUID, nodeID string, cfg *sdk.WorkerConfig, input interface{}) (string, bool) {
	target, err := url.Parse(cfg.WebhookURL)
	if err != nil || !target.IsAbs() || target.Host == "" || (target.Scheme != "http" && target.Scheme != "https") {
		return errInvalidWebhookURL, false
	}

	if cfg.InputSchema != nil {
		result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(cfg.InputSchema), gojsonschema.NewGoLoader(input))
		if err != nil {
			return fmt.Sprintf("Input schema validation failed: %v", err), false
		}
		if !result.Valid() {
			return fmt.Sprintf("Input schema validation failed: %s", schemaErrors(result)), false
		}
	}

	body, err := json.Marshal(webhookRequest{
		RunID:       runID.String(),
		NodeID:      nodeID,
		Config:      cfg.Config,
		Input:       input,
		CallbackURL: e.callbackURL(runID, nodeID),
	})
	if err != nil {
		return fmt.Sprintf("failed to encode webhook payload: %v", err), false
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.CallbackTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return errInvalidWebhookURL, false
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := e.client.Do(req)
	e.metrics.ObserveWebhook(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return errWebhookTimeout, false
		}
		return errWebhookUnreachable, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Sprintf("Worker webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text))), false
	}

	e.log.WithRunID(runID.String()).WithNodeID(nodeID).Debug("webhook dispatched", "url", cfg.WebhookURL)
	return "", true
}

// callbackURL builds the engine-hosted completion endpoint for a node.
func (e *Engine) callbackURL(runID uuid.UUID, nodeID string) string {
	return fmt.Sprintf("%s/api/stitch/callback/%s/%s", strings.TrimRight(e.cfg.BaseURL, "/"), runID.String(), nodeID)
}

// validateOutputSchema checks a worker's callback output against its
// declared output schema. Violations are reported, never fatal: the worker
// already did the work.
func (e *Engine) validateOutputSchema(runID uuid.UUID, nodeID string, cfg *sdk.WorkerConfig, output interface{}) {
	if cfg == nil || cfg.OutputSchema == nil {
		return
	}
	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(cfg.OutputSchema), gojsonschema.NewGoLoader(output))
	if err != nil {
		e.log.WithRunID(runID.String()).WithNodeID(nodeID).Warn("output schema validation error", "error", err)
		return
	}
	if !result.Valid() {
		e.log.WithRunID(runID.String()).WithNodeID(nodeID).Warn("worker output violates output schema", "violations", schemaErrors(result))
	}
}

func schemaErrors(result *gojsonschema.Result) string {
	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, desc.String())
	}
	return strings.Join(msgs, "; ")
}
