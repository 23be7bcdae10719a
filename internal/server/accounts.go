package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
	"ledgerflow/internal/repo"
)

type accountPath struct {
	Account string `path:"account" doc:"Ledger account address"`
}

type actionInput struct {
	Account string `path:"account"`
	Action  string `path:"action" enum:"deposit,withdraw,borrow,repay,invest,finance"`
	Wait    bool   `query:"wait" default:"true" doc:"Block until the workflow rests; false returns 202 once it is created"`
	Body    ActionRequest
}

type actionOutput struct {
	Status int
	Body   ActionResponse
}

type planInput struct {
	Account string `path:"account"`
	Action  string `path:"action" enum:"deposit,withdraw,borrow,repay,invest,finance"`
	Body    ActionRequest
}

func actionRequest(account, action string, body ActionRequest, actorID string) (engine.ActionRequest, error) {
	amount, err := domain.ParseAmount(body.Amount)
	if err != nil {
		return engine.ActionRequest{}, &engine.ValidationError{Field: "amount", Message: err.Error()}
	}
	return engine.ActionRequest{
		Account:   account,
		Action:    action,
		Amount:    amount,
		Asset:     body.Asset,
		Tranche:   body.Tranche,
		Item:      body.Item,
		AutoRepay: body.AutoRepay,
		ActorID:   actorID,
	}, nil
}

func registerActions(api huma.API, e engine.Engine, background context.Context) {
	huma.Register(api, huma.Operation{
		OperationID: "run-action",
		Method:      http.MethodPost,
		Path:        "/accounts/{account}/actions/{action}",
		Summary:     "Run a ledger action as a workflow",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *actionInput) (*actionOutput, error) {
		actor, err := requireAccount(ctx, e, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := actionRequest(input.Account, input.Action, input.Body, actor)
		if err != nil {
			return nil, handleError(err)
		}
		if !input.Wait {
			wf, err := e.Prepare(ctx, req)
			if err != nil {
				return nil, handleError(err)
			}
			go runDetached(background, e, wf.ID)
			return &actionOutput{Status: http.StatusAccepted, Body: ActionResponse{Workflow: wf}}, nil
		}
		// The workflow must outlive a disconnecting client.
		res, err := e.Execute(context.WithoutCancel(ctx), req)
		if err != nil {
			var details map[string]any
			if res.Workflow.ID != "" {
				details = map[string]any{"workflow_id": res.Workflow.ID, "state": res.Workflow.State, "index": res.Workflow.CurrentIndex}
			}
			return nil, handleErrorWith(err, details)
		}
		return &actionOutput{Status: http.StatusOK, Body: actionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "plan-action",
		Method:      http.MethodPost,
		Path:        "/accounts/{account}/plans/{action}",
		Summary:     "Preview the steps an action would submit",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *planInput) (*bodyOutput[PlanResponse], error) {
		actor, err := requireAccount(ctx, e, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		req, err := actionRequest(input.Account, input.Action, input.Body, actor)
		if err != nil {
			return nil, handleError(err)
		}
		plan, err := e.BuildPlan(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(PlanResponse{Scope: plan.Scope, TargetKey: engine.TargetKey(req.Account, plan.Scope), Steps: plan.Steps}), nil
	})
}

func registerAccounts(api huma.API, e engine.Engine) {
	reconcile := func(ctx context.Context, input *accountPath) (*bodyOutput[ViewResponse], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		view, err := e.Reconcile(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(viewResponse(view)), nil
	}
	huma.Register(api, huma.Operation{
		OperationID: "reconcile-account",
		Method:      http.MethodPost,
		Path:        "/accounts/{account}/reconcile",
		Summary:     "Resolve unresolved operations against the ledger",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, reconcile)
	huma.Register(api, huma.Operation{
		OperationID: "get-view",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/view",
		Summary:     "Reconciled view of an account",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, reconcile)

	huma.Register(api, huma.Operation{
		OperationID: "list-locks",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/locks",
		Summary:     "Targets currently held by unfinished work",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *accountPath) (*bodyOutput[[]domain.TargetLock], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		locks, err := e.Repo.ListTargetLocks(ctx, engine.TargetKey(input.Account, ""))
		if err != nil {
			return nil, handleError(err)
		}
		if locks == nil {
			locks = []domain.TargetLock{}
		}
		return reply(locks), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-delegates",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/delegates",
		Summary:     "Actors allowed to act for the account",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *accountPath) (*bodyOutput[[]domain.Delegate], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		ds, err := e.Repo.ListDelegates(ctx, input.Account)
		if err != nil {
			return nil, handleError(err)
		}
		if ds == nil {
			ds = []domain.Delegate{}
		}
		return reply(ds), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-delegate",
		Method:        http.MethodPost,
		Path:          "/accounts/{account}/delegates",
		Summary:       "Allow another actor to act for the account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		Body    DelegateRequest
	}) (*bodyOutput[domain.Delegate], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.Auth.Grant(ctx, principal.ActorID, input.Account, input.Body.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return reply(d), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-delegate",
		Method:        http.MethodDelete,
		Path:          "/accounts/{account}/delegates/{actor_id}",
		Summary:       "Revoke a delegation",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Account string `path:"account"`
		ActorID string `path:"actor_id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Auth.Revoke(ctx, principal.ActorID, input.Account, input.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/accounts/{account}/events",
		Summary:     "List recent events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Account    string `path:"account"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"workflow,batch,account,delegate,api_key"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*bodyOutput[paginatedEvents], error) {
		if _, err := requireAccount(ctx, e, input.Account); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Account:    input.Account,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     before,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return reply(resp), nil
	})
}

// runDetached drives a workflow accepted without wait. Its outcome is
// already persisted; the error is only logged.
func runDetached(ctx context.Context, e engine.Engine, id string) {
	res, err := e.RunWorkflow(ctx, id)
	if err == nil {
		return
	}
	engineLogger(e).Warn("background workflow run ended with error", "workflow_id", id, "state", res.Workflow.State, "err", err)
}

func engineLogger(e engine.Engine) *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}
