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

package orchestrator

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/foundry/internal/events"
	"github.com/tombee/foundry/internal/queue"
	"github.com/tombee/foundry/internal/runtime"
	"github.com/tombee/foundry/internal/secrets"
	"github.com/tombee/foundry/internal/store/memory"
	"github.com/tombee/foundry/internal/telemetry"
	"github.com/tombee/foundry/pkg/errors"
	"github.com/tombee/foundry/pkg/jobs"
	"github.com/tombee/foundry/pkg/workflow"
)

type harness struct {
	store    *memory.Store
	registry *jobs.Registry
	queues   *queue.Manager
	engine   *runtime.Engine
	orch     *Orchestrator
	bus      *events.Bus
}

// stubServices reports fixed health and serves requests from a map of
// "<METHOD> <path>" to responses.
type stubServices struct {
	health    HealthState
	responses map[string]*workflow.ServiceResponse
	calls     []ServiceRequest
}

func (s *stubServices) Health(ctx context.Context, service string) (HealthState, error) {
	return s.health, nil
}

func (s *stubServices) Do(ctx context.Context, req ServiceRequest) (*workflow.ServiceResponse, error) {
	s.calls = append(s.calls, req)
	if resp, ok := s.responses[req.Method+" "+req.Path]; ok {
		return resp, nil
	}
	return &workflow.ServiceResponse{StatusCode: 200}, nil
}

func newHarness(t *testing.T, services ServiceClient) *harness {
	t.Helper()

	st := memory.New()
	registry := jobs.NewRegistry()
	bus := events.NewBus(nil)
	queues := queue.NewManager(queue.Config{Mode: queue.ModeInline}, telemetry.New(), bus, nil)
	engine := runtime.NewEngine(st, registry, queues, bus, nil)
	orch := New(Options{
		Store:    st,
		Engine:   engine,
		Queues:   queues,
		Services: services,
		Secrets:  secrets.NewStatic(map[string]string{"api-token": "tok-123"}),
		Bus:      bus,
	})

	require.NoError(t, queues.RegisterHandler(queue.QueueBuild, func(ctx context.Context, msg *queue.Message) error {
		return engine.ExecuteJobRun(ctx, msg.Queue, msg.PayloadString(queue.PayloadJobRunID))
	}))
	require.NoError(t, queues.RegisterHandler(queue.QueueWorkflow, func(ctx context.Context, msg *queue.Message) error {
		return orch.RunWorkflowOrchestration(ctx, msg.PayloadString(queue.PayloadWorkflowRunID))
	}))
	require.NoError(t, queues.Start(context.Background()))
	t.Cleanup(queues.Stop)

	return &harness{store: st, registry: registry, queues: queues, engine: engine, orch: orch, bus: bus}
}

func (h *harness) publishJob(t *testing.T, slug string, handler jobs.Handler) {
	t.Helper()
	require.NoError(t, h.store.CreateJobDefinition(context.Background(), &jobs.Definition{
		Slug: slug, Type: jobs.TypeBatch,
	}))
	require.NoError(t, h.registry.Register(slug, handler))
}

func (h *harness) publishWorkflow(t *testing.T, def *workflow.Definition) *workflow.Definition {
	t.Helper()
	require.NoError(t, h.store.CreateWorkflowDefinition(context.Background(), def))
	return def
}

func jobStep(id, slug string, deps ...string) workflow.StepDefinition {
	return workflow.StepDefinition{
		ID: id, Type: workflow.StepTypeJob, DependsOn: deps,
		Job: &workflow.JobStepSpec{Slug: slug},
	}
}

func stepStatuses(t *testing.T, h *harness, runID string) map[string]workflow.StepStatus {
	t.Helper()
	rows, err := h.store.ListRunSteps(context.Background(), runID)
	require.NoError(t, err)
	out := make(map[string]workflow.StepStatus, len(rows))
	for _, row := range rows {
		if row.ParentStepID == "" {
			out[row.StepID] = row.Status
		}
	}
	return out
}

func TestLinearWorkflowTemplates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "repo.ingest", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: map[string]any{"commits": 7, "branch": rc.Parameters["branch"]}}, nil
	})
	h.publishJob(t, "repo.report", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: map[string]any{
			"summary": rc.Parameters["summary"],
			"commits": rc.Parameters["commits"],
		}}, nil
	})

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "nightly",
		Steps: []workflow.StepDefinition{
			{
				ID: "ingest", Type: workflow.StepTypeJob,
				Job: &workflow.JobStepSpec{
					Slug:          "repo.ingest",
					Parameters:    map[string]any{"branch": "{{ parameters.branch }}"},
					StoreResultAs: "ingested",
				},
			},
			{
				ID: "report", Type: workflow.StepTypeJob, DependsOn: []string{"ingest"},
				Job: &workflow.JobStepSpec{
					Slug: "repo.report",
					Parameters: map[string]any{
						"summary": "ingested {{ steps.ingest.output.commits }} commits on {{ parameters.branch }}",
						"commits": "{{ shared.ingested.commits }}",
					},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{
		Slug:       "nightly",
		Parameters: map[string]any{"branch": "main"},
	})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, final.Status)
	assert.Equal(t, workflow.TriggeredManual, final.TriggeredBy)

	report := final.Context.Steps["report"]
	out, ok := report.Output.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ingested 7 commits on main", out["summary"])
	assert.Equal(t, 7, out["commits"], "pure refs preserve the referenced type")

	statuses := stepStatuses(t, h, run.ID)
	assert.Equal(t, workflow.StepSucceeded, statuses["ingest"])
	assert.Equal(t, workflow.StepSucceeded, statuses["report"])
}

func TestFailureCascadeSkipsDescendants(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "ok", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: "ok"}, nil
	})
	h.publishJob(t, "broken", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return nil, &errors.ValidationError{Field: "input", Message: "bad manifest"}
	})

	// Diamond: ingest -> {build(broken), scan} -> publish(depends both).
	h.publishWorkflow(t, &workflow.Definition{
		Slug: "pipeline",
		Steps: []workflow.StepDefinition{
			jobStep("ingest", "ok"),
			jobStep("build", "broken", "ingest"),
			jobStep("scan", "ok", "ingest"),
			jobStep("publish", "ok", "build", "scan"),
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{Slug: "pipeline"})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "build")

	statuses := stepStatuses(t, h, run.ID)
	assert.Equal(t, workflow.StepSucceeded, statuses["ingest"])
	assert.Equal(t, workflow.StepFailed, statuses["build"])
	assert.Equal(t, workflow.StepSucceeded, statuses["scan"], "independent branches keep running")
	assert.Equal(t, workflow.StepSkipped, statuses["publish"])
}

func TestCancelPendingRun(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "never", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		t.Error("handler must not run for a canceled run")
		return nil, nil
	})
	h.publishWorkflow(t, &workflow.Definition{
		Slug:  "cancelable",
		Steps: []workflow.StepDefinition{jobStep("a", "never")},
	})

	// Create without enqueueing so the run is still pending.
	def, err := h.store.LatestWorkflowDefinition(ctx, "cancelable")
	require.NoError(t, err)
	run := &workflow.Run{
		WorkflowDefinitionID: def.ID, Slug: def.Slug, Version: def.Version,
		TriggeredBy: workflow.TriggeredManual, Context: workflow.NewRunContext(),
	}
	require.NoError(t, h.store.CreateWorkflowRun(ctx, run))

	canceled, ok, err := h.orch.Cancel(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, workflow.RunCanceled, canceled.Status)

	// A late dispatch is a no-op.
	require.NoError(t, h.orch.RunWorkflowOrchestration(ctx, run.ID))
	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunCanceled, final.Status)
}

func TestFanOutAggregatesInOrder(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "shard.scan", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		shard := rc.Parameters["shard"].(string)
		return &jobs.Result{Result: "scanned:" + shard}, nil
	})

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "scan-all",
		Steps: []workflow.StepDefinition{
			{
				ID: "scan", Type: workflow.StepTypeFanOut,
				FanOut: &workflow.FanOutSpec{
					Collection:     "{{ parameters.shards }}",
					MaxConcurrency: 2,
					StoreResultsAs: "scans",
					Template: workflow.FanOutTemplate{
						ID: "scan-one", Type: workflow.StepTypeJob,
						Job: &workflow.JobStepSpec{
							Slug:       "shard.scan",
							Parameters: map[string]any{"shard": "{{ item }}"},
						},
					},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{
		Slug:       "scan-all",
		Parameters: map[string]any{"shards": []any{"alpha", "beta", "gamma"}},
	})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, final.Status)
	assert.Equal(t,
		[]any{"scanned:alpha", "scanned:beta", "scanned:gamma"},
		final.Context.Shared["scans"])

	rows, err := h.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	var childIDs []string
	for _, row := range rows {
		if row.ParentStepID != "" {
			childIDs = append(childIDs, row.StepID)
			assert.Equal(t, "scan", row.TemplateStepID)
			require.NotNil(t, row.FanOutIndex)
			assert.Equal(t, workflow.StepSucceeded, row.Status)
		}
	}
	sort.Strings(childIDs)
	assert.Equal(t, []string{"scan-one[0]", "scan-one[1]", "scan-one[2]"}, childIDs)
}

func TestFanOutLiteralArrayCollection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "shard.echo", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: rc.Parameters["n"]}, nil
	})

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "scan-fixed",
		Steps: []workflow.StepDefinition{
			{
				ID: "scan", Type: workflow.StepTypeFanOut,
				FanOut: &workflow.FanOutSpec{
					// Collection written inline rather than templated.
					Collection:     []any{1, 2, 3},
					StoreResultsAs: "echoes",
					Template: workflow.FanOutTemplate{
						ID: "echo", Type: workflow.StepTypeJob,
						Job: &workflow.JobStepSpec{
							Slug:       "shard.echo",
							Parameters: map[string]any{"n": "{{ item }}"},
						},
					},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{Slug: "scan-fixed"})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, final.Status)
	assert.Equal(t, []any{1, 2, 3}, final.Context.Shared["echoes"])

	rows, err := h.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	var children int
	for _, row := range rows {
		if row.ParentStepID != "" {
			children++
			assert.Equal(t, workflow.StepSucceeded, row.Status)
		}
	}
	assert.Equal(t, 3, children, "one child per literal element")
}

func TestFanOutPartialFailure(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "shard.flaky", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		if rc.Parameters["shard"] == "beta" {
			return nil, &errors.ValidationError{Field: "shard", Message: "beta is corrupt"}
		}
		return &jobs.Result{Result: rc.Parameters["shard"]}, nil
	})

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "scan-flaky",
		Steps: []workflow.StepDefinition{
			{
				ID: "scan", Type: workflow.StepTypeFanOut,
				FanOut: &workflow.FanOutSpec{
					Collection: "{{ parameters.shards }}",
					Template: workflow.FanOutTemplate{
						ID: "scan-one", Type: workflow.StepTypeJob,
						Job: &workflow.JobStepSpec{
							Slug:       "shard.flaky",
							Parameters: map[string]any{"shard": "{{ item }}"},
						},
					},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{
		Slug:       "scan-flaky",
		Parameters: map[string]any{"shards": []any{"alpha", "beta", "gamma"}},
	})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, final.Status)

	// Partial aggregate keeps order with a null slot for the failure.
	scan := final.Context.Steps["scan"]
	results, ok := scan.Output.([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"alpha", nil, "gamma"}, results)
	assert.Contains(t, scan.Error, "1 of 3")
}

func TestServiceStepCaptureAndSecrets(t *testing.T) {
	stub := &stubServices{
		health: HealthHealthy,
		responses: map[string]*workflow.ServiceResponse{
			"POST /v1/launch": {
				StatusCode: 201,
				Headers:    map[string]string{"X-Request-Id": "req-9"},
				Body:       map[string]any{"launchId": "l-42"},
			},
		},
	}
	h := newHarness(t, stub)
	ctx := context.Background()

	h.publishJob(t, "record.launch", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: rc.Parameters["launchId"]}, nil
	})

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "launcher",
		Steps: []workflow.StepDefinition{
			{
				ID: "launch", Type: workflow.StepTypeService,
				Service: &workflow.ServiceStepSpec{
					Service: "launchpad",
					Method:  "POST",
					Path:    "/v1/launch",
					Headers: map[string]string{
						"Authorization": "{{ secret.api-token }}",
						"Accept":        "application/json",
					},
					Body:            map[string]any{"run": "{{ run.id }}"},
					RequireHealthy:  true,
					CaptureResponse: true,
					StoreResponseAs: "launch",
				},
			},
			{
				ID: "record", Type: workflow.StepTypeJob, DependsOn: []string{"launch"},
				Job: &workflow.JobStepSpec{
					Slug:       "record.launch",
					Parameters: map[string]any{"launchId": "{{ steps.launch.output.launchId }}"},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{Slug: "launcher"})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunSucceeded, final.Status)

	require.Len(t, stub.calls, 1)
	assert.Equal(t, "tok-123", stub.calls[0].Headers["Authorization"])
	assert.Equal(t, map[string]any{"run": run.ID}, stub.calls[0].Body)

	launch := final.Context.Steps["launch"]
	require.NotNil(t, launch.Response)
	assert.Equal(t, 201, launch.Response.StatusCode)

	shared, ok := final.Context.Shared["launch"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 201, shared["statusCode"])

	record := final.Context.Steps["record"]
	assert.Equal(t, "l-42", record.Output)
}

func TestServiceHealthGating(t *testing.T) {
	stub := &stubServices{health: HealthDegraded}
	h := newHarness(t, stub)
	ctx := context.Background()

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "strict",
		Steps: []workflow.StepDefinition{
			{
				ID: "call", Type: workflow.StepTypeService,
				Service: &workflow.ServiceStepSpec{
					Service: "launchpad", Path: "/ping", RequireHealthy: true,
				},
			},
		},
	})
	h.publishWorkflow(t, &workflow.Definition{
		Slug: "lenient",
		Steps: []workflow.StepDefinition{
			{
				ID: "call", Type: workflow.StepTypeService,
				Service: &workflow.ServiceStepSpec{
					Service: "launchpad", Path: "/ping",
					RequireHealthy: true, AllowDegraded: true,
				},
			},
		},
	})

	strict, err := h.orch.Submit(ctx, SubmitOptions{Slug: "strict"})
	require.NoError(t, err)
	final, err := h.store.GetWorkflowRun(ctx, strict.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunFailed, final.Status)
	assert.Empty(t, stub.calls)

	lenient, err := h.orch.Submit(ctx, SubmitOptions{Slug: "lenient"})
	require.NoError(t, err)
	final, err = h.store.GetWorkflowRun(ctx, lenient.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, final.Status)
	assert.Len(t, stub.calls, 1)
}

func TestAssetsProducedAndConsumed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "report.build", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: map[string]any{"date": "2026-08-25", "rows": 12}}, nil
	})
	h.publishJob(t, "report.mail", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: rc.Parameters["rows"]}, nil
	})

	produced := 0
	h.bus.Subscribe(func(e events.LifecycleEvent) error {
		produced++
		return nil
	}, "asset.produced")

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "reporting",
		Steps: []workflow.StepDefinition{
			{
				ID: "build", Type: workflow.StepTypeJob,
				Job: &workflow.JobStepSpec{Slug: "report.build"},
				Produces: []workflow.AssetDeclaration{{
					ID:                "Daily-Report",
					PartitionTemplate: "{{ steps.build.output.date }}",
				}},
			},
			{
				ID: "mail", Type: workflow.StepTypeJob, DependsOn: []string{"build"},
				Consumes: []workflow.AssetRef{{ID: "daily-report", Partition: "2026-08-25"}},
				Job: &workflow.JobStepSpec{
					Slug:       "report.mail",
					Parameters: map[string]any{"rows": "{{ asset.daily-report.payload.rows }}"},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{Slug: "reporting"})
	require.NoError(t, err)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, workflow.RunSucceeded, final.Status)
	assert.Equal(t, 1, produced)

	asset, err := h.store.LatestAsset(ctx, "daily-report", "2026-08-25")
	require.NoError(t, err)
	assert.Equal(t, run.ID, asset.WorkflowRunID)

	mail := final.Context.Steps["mail"]
	assert.Equal(t, 12, mail.Output)
}

func TestPinnedBundleResolution(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	require.NoError(t, h.store.CreateJobDefinition(ctx, &jobs.Definition{Slug: "builder", Type: jobs.TypeBatch}))
	require.NoError(t, h.store.CreateJobDefinition(ctx, &jobs.Definition{Slug: "builder", Type: jobs.TypeBatch}))
	require.NoError(t, h.registry.Register("builder", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{}, nil
	}))

	h.publishWorkflow(t, &workflow.Definition{
		Slug: "pinned",
		Steps: []workflow.StepDefinition{
			{
				ID: "build", Type: workflow.StepTypeJob,
				Job: &workflow.JobStepSpec{
					Slug:   "builder",
					Bundle: &workflow.BundleRef{Strategy: workflow.BundlePinned, Version: 1},
				},
			},
		},
	})

	run, err := h.orch.Submit(ctx, SubmitOptions{Slug: "pinned"})
	require.NoError(t, err)

	rows, err := h.store.ListRunSteps(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, workflow.StepSucceeded, rows[0].Status)
	assert.Equal(t, 1, rows[0].Metrics["resolvedVersion"])
}

func TestRecoverStalledRedispatches(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.publishJob(t, "resume.me", func(ctx context.Context, rc *jobs.RunContext) (*jobs.Result, error) {
		return &jobs.Result{Result: "done"}, nil
	})
	def := h.publishWorkflow(t, &workflow.Definition{
		Slug:  "resumable",
		Steps: []workflow.StepDefinition{jobStep("a", "resume.me")},
	})

	// Simulate a crashed worker: run claimed but never driven.
	run := &workflow.Run{
		WorkflowDefinitionID: def.ID, Slug: def.Slug, Version: def.Version,
		TriggeredBy: workflow.TriggeredManual, Context: workflow.NewRunContext(),
	}
	require.NoError(t, h.store.CreateWorkflowRun(ctx, run))
	_, ok, err := h.store.ClaimWorkflowRun(ctx, run.ID, h.orch.now())
	require.NoError(t, err)
	require.True(t, ok)

	recovered, err := h.orch.RecoverStalled(ctx, h.orch.now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	final, err := h.store.GetWorkflowRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.RunSucceeded, final.Status)
}
