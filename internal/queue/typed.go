// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queue

import (
	"context"
	"time"
)

// Message kinds routed within queues.
const (
	KindJobRun       = "job-run"
	KindWorkflowRun  = "workflow-run"
	KindWorkflowTick = "workflow-tick"
	KindEventIngest  = "event-ingest"
	KindTriggerEval  = "trigger-evaluation"
	KindAssetExpiry  = "asset-expiry"
)

// Payload keys shared between producers and handlers.
const (
	PayloadJobRunID      = "jobRunId"
	PayloadWorkflowRunID = "workflowRunId"
	PayloadEventID       = "eventId"
	PayloadTriggerID     = "triggerId"
)

// EnqueueJobRun places a persisted job run on its queue for execution.
func (m *Manager) EnqueueJobRun(ctx context.Context, queue, jobRunID string) error {
	return m.Enqueue(ctx, &Message{
		Queue:   queue,
		Kind:    KindJobRun,
		Payload: map[string]any{PayloadJobRunID: jobRunID},
	})
}

// EnqueueJobRunAfter schedules a job run dispatch after a retry delay.
func (m *Manager) EnqueueJobRunAfter(ctx context.Context, queue, jobRunID string, delay time.Duration) {
	m.EnqueueAfter(ctx, &Message{
		Queue:   queue,
		Kind:    KindJobRun,
		Payload: map[string]any{PayloadJobRunID: jobRunID},
	}, delay)
}

// EnqueueWorkflowRun hands a workflow run to the orchestrator.
func (m *Manager) EnqueueWorkflowRun(ctx context.Context, workflowRunID string) error {
	return m.Enqueue(ctx, &Message{
		Queue:   QueueWorkflow,
		Kind:    KindWorkflowRun,
		Payload: map[string]any{PayloadWorkflowRunID: workflowRunID},
	})
}

// EnqueueEvent hands an ingested event to trigger evaluation.
func (m *Manager) EnqueueEvent(ctx context.Context, eventID string) error {
	return m.Enqueue(ctx, &Message{
		Queue:   QueueEvent,
		Kind:    KindEventIngest,
		Payload: map[string]any{PayloadEventID: eventID},
	})
}

// EnqueueTriggerEvaluation evaluates one trigger against one event.
func (m *Manager) EnqueueTriggerEvaluation(ctx context.Context, triggerID, eventID string) error {
	return m.Enqueue(ctx, &Message{
		Queue: QueueEventTrigger,
		Kind:  KindTriggerEval,
		Payload: map[string]any{
			PayloadTriggerID: triggerID,
			PayloadEventID:   eventID,
		},
	})
}

// EnqueueAssetExpiry requests a TTL sweep of materialized assets.
func (m *Manager) EnqueueAssetExpiry(ctx context.Context) error {
	return m.Enqueue(ctx, &Message{
		Queue: QueueAssetExpiry,
		Kind:  KindAssetExpiry,
	})
}

// PayloadString reads a string payload field, tolerating JSON decoding
// that leaves values as any.
func (msg *Message) PayloadString(key string) string {
	if msg.Payload == nil {
		return ""
	}
	if v, ok := msg.Payload[key].(string); ok {
		return v
	}
	return ""
}
