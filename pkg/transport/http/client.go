// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/ferrors"
	"github.com/jsam/fuseline/pkg/schema"
)

// Client is an HTTP-backed worker.BrokerClient speaking the broker's
// wire API. Transport-level failures (connection refused, timeouts,
// 5xx) are retried with exponential backoff up to maxElapsed; a
// well-formed 4xx response is returned as-is without retrying.
type Client struct {
	baseURL    string
	http       *http.Client
	maxElapsed time.Duration
}

// NewClient builds a Client against baseURL (e.g. "http://localhost:8000").
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		http:       &http.Client{Timeout: 30 * time.Second},
		maxElapsed: 2 * time.Minute,
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	operation := func() (*http.Response, error) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return nil, backoff.Permanent(fmt.Errorf("marshaling request: %w", err))
			}
			reader = bytes.NewReader(data)
		}

		u := c.baseURL + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("building request: %w", err))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, ferrors.Wrap(ferrors.KindTransport, "broker request failed", err)
		}
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			return nil, ferrors.New(ferrors.KindTransport, fmt.Sprintf("broker returned %d", resp.StatusCode))
		}
		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(c.maxElapsed),
	)
}

func decodeJSON(resp *http.Response, out any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return ferrors.New(ferrors.KindProtocol, errBody.Error)
		}
		return ferrors.New(ferrors.KindProtocol, fmt.Sprintf("broker returned %d", resp.StatusCode))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegisterWorker implements worker.BrokerClient.
func (c *Client) RegisterWorker(ctx context.Context, schemas []schema.WorkflowSchema) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/worker/register", nil, schemas)
	if err != nil {
		return "", err
	}
	var out struct {
		WorkerID string `json:"worker_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.WorkerID, nil
}

// KeepAlive implements worker.BrokerClient.
func (c *Client) KeepAlive(ctx context.Context, workerID string) error {
	resp, err := c.do(ctx, http.MethodPost, "/worker/keep-alive", url.Values{"worker_id": {workerID}}, nil)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// GetStep implements worker.BrokerClient. A 204 response means no work
// is available, surfaced as (nil, nil).
func (c *Client) GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error) {
	resp, err := c.do(ctx, http.MethodGet, "/workflow/step", url.Values{"worker_id": {workerID}}, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNoContent {
		resp.Body.Close()
		return nil, nil
	}
	var assignment broker.StepAssignment
	if err := decodeJSON(resp, &assignment); err != nil {
		return nil, err
	}
	return &assignment, nil
}

// ReportStep implements worker.BrokerClient.
func (c *Client) ReportStep(ctx context.Context, workerID string, report broker.StepReport) error {
	resp, err := c.do(ctx, http.MethodPost, "/workflow/step", url.Values{"worker_id": {workerID}}, report)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// DispatchWorkflow submits a workflow for execution and returns its instance_id.
func (c *Client) DispatchWorkflow(ctx context.Context, wf schema.WorkflowSchema, inputs map[string]any) (string, error) {
	body := struct {
		Workflow schema.WorkflowSchema `json:"workflow"`
		Inputs   map[string]any        `json:"inputs,omitempty"`
	}{Workflow: wf, Inputs: inputs}

	resp, err := c.do(ctx, http.MethodPost, "/workflow/dispatch", nil, body)
	if err != nil {
		return "", err
	}
	var out struct {
		InstanceID string `json:"instance_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return "", err
	}
	return out.InstanceID, nil
}

// RegisterRepository registers repo with the broker.
func (c *Client) RegisterRepository(ctx context.Context, repo broker.RepositoryInfo) error {
	resp, err := c.do(ctx, http.MethodPost, "/repository/register", nil, repo)
	if err != nil {
		return err
	}
	return decodeJSON(resp, nil)
}

// GetRepository resolves a repository by name.
func (c *Client) GetRepository(ctx context.Context, name string) (broker.RepositoryInfo, error) {
	resp, err := c.do(ctx, http.MethodGet, "/repository", url.Values{"name": {name}}, nil)
	if err != nil {
		return broker.RepositoryInfo{}, err
	}
	var out broker.RepositoryInfo
	if err := decodeJSON(resp, &out); err != nil {
		return broker.RepositoryInfo{}, err
	}
	return out, nil
}

// Status queries the broker's health endpoint.
func (c *Client) Status(ctx context.Context) (map[string]string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/status", nil, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := decodeJSON(resp, &out); err != nil {
		return nil, err
	}
	return out, nil
}
