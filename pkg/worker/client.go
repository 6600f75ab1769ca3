// SPDX-License-Identifier: AGPL-3.0-or-later

/*

Fuseline - A distributed workflow engine: step graphs, a broker, and workers coordinating over a pluggable runtime store.

Copyright (C) 2025  Bartek Kus

This program is free software licensed under the terms of the GNU AGPL v3 or later.

See https://www.gnu.org/licenses/ for license details.

*/

package worker

import (
	"context"

	"github.com/jsam/fuseline/pkg/broker"
	"github.com/jsam/fuseline/pkg/schema"
)

// BrokerClient is the surface a Worker drives, implemented either by a
// direct in-process Broker or by an HTTP client speaking the §6 API.
type BrokerClient interface {
	RegisterWorker(ctx context.Context, schemas []schema.WorkflowSchema) (string, error)
	GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error)
	ReportStep(ctx context.Context, workerID string, report broker.StepReport) error
	KeepAlive(ctx context.Context, workerID string) error
}

// LocalClient adapts an in-process *broker.Broker to BrokerClient, for
// running a worker without an HTTP hop (tests, single-process use).
type LocalClient struct {
	Broker *broker.Broker
}

// NewLocalClient wraps b for in-process use.
func NewLocalClient(b *broker.Broker) *LocalClient {
	return &LocalClient{Broker: b}
}

func (c *LocalClient) RegisterWorker(_ context.Context, schemas []schema.WorkflowSchema) (string, error) {
	return c.Broker.RegisterWorker(schemas)
}

func (c *LocalClient) GetStep(ctx context.Context, workerID string) (*broker.StepAssignment, error) {
	return c.Broker.GetStep(ctx, workerID)
}

func (c *LocalClient) ReportStep(ctx context.Context, workerID string, report broker.StepReport) error {
	return c.Broker.ReportStep(ctx, workerID, report)
}

func (c *LocalClient) KeepAlive(_ context.Context, workerID string) error {
	c.Broker.KeepAlive(workerID)
	return nil
}
