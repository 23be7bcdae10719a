package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/repo"
)

type idPath struct {
	ID string `path:"id"`
}

type listInput struct {
	Account string `path:"account"`
	Status  string `query:"status" enum:"idle,running,completed,failed"`
	Limit   int    `query:"limit" default:"50"`
}

// workflowFor loads a workflow and checks the caller may act for its account.
func workflowFor(ctx context.Context, e engine.Engine, id string) (domain.Workflow, string, error) {
	wf, err := e.Repo.GetWorkflow(ctx, id)
	if err != nil {
		return wf, "", err
	}
	actor, err := requireAccount(ctx, e, wf.Account)
	return wf, actor, err
}

func batchFor(ctx context.Context, e engine.Engine, id string) (domain.BatchJob, string, error) {
	job, err := e.Repo.GetBatch(ctx, id)
	if err != nil {
		return job, "", err
	}
	actor, err := requireAccount(ctx, e, job.Account)
	return job, actor, err
}

func registerWorkflows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-workflows",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/workflows",
		Summary:     "List workflows, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Status  string `query:"status" enum:"idle,running,completed,failed"`
		Action  string `query:"action"`
		Limit   int    `query:"limit" default:"50"`
	}) (*bodyOutput[[]domain.Workflow], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListWorkflows(ctx, repo.WorkflowFilters{
			Account: input.Account,
			Status:  input.Status,
			Action:  input.Action,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Workflow{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-workflow",
		Method:      http.MethodGet,
		Path:        "/workflows/{id}",
		Summary:     "Get a workflow with its operations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Workflow], error) {
		wf, _, err := workflowFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/resume",
		Summary:     "Continue a workflow parked by reconciliation",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[ActionResponse], error) {
		_, actor, err := workflowFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.Resume(context.WithoutCancel(ctx), input.ID, actor)
		if err != nil {
			return nil, handleErrorWith(err, map[string]any{"workflow_id": input.ID, "state": res.Workflow.State})
		}
		return reply(actionResponse(res)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-workflow",
		Method:      http.MethodPost,
		Path:        "/workflows/{id}/abandon",
		Summary:     "Stop tracking a workflow",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.Workflow], error) {
		_, actor, err := workflowFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		wf, err := e.Abandon(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(wf), nil
	})
}

func registerBatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-batches",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/batches",
		Summary:     "List batch jobs, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *listInput) (*bodyOutput[[]domain.BatchJob], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListBatches(ctx, repo.BatchFilters{Account: input.Account, Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.BatchJob{}
		}
		return reply(items), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-release",
		Method:      http.MethodPost,
		Path:        "/accounts/{account}/releases",
		Summary:     "Release locked items once nothing is owed",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Body    ReleaseRequest
	}) (*bodyOutput[domain.BatchJob], error) {
		actor, err := requireAccount(ctx, e, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.StartRelease(context.WithoutCancel(ctx), input.Account, input.Body.Items, actor)
		if err != nil {
			return nil, handleErrorWith(err, map[string]any{"job_id": job.ID})
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-batch",
		Method:      http.MethodGet,
		Path:        "/batches/{id}",
		Summary:     "Get a batch job with its operations",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.BatchJob], error) {
		job, _, err := batchFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/resume",
		Summary:     "Continue a halted batch with the items still locked",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.BatchJob], error) {
		_, actor, err := batchFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.ResumeBatch(context.WithoutCancel(ctx), input.ID, actor)
		if err != nil {
			return nil, handleErrorWith(err, map[string]any{"job_id": input.ID, "state": job.State})
		}
		return reply(job), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-batch",
		Method:      http.MethodPost,
		Path:        "/batches/{id}/abandon",
		Summary:     "Stop tracking a batch job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *idPath) (*bodyOutput[domain.BatchJob], error) {
		_, actor, err := batchFor(ctx, e, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		job, err := e.AbandonBatch(ctx, input.ID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(job), nil
	})
}
