package server

import (
	"encoding/json"

	"ledgerflow/internal/domain"
	"ledgerflow/internal/engine"
)

// Request payloads

type ActionRequest struct {
	Amount    string `json:"amount" example:"1000000" doc:"Integer amount in the asset's smallest unit"`
	Asset     string `json:"asset,omitempty" doc:"Collateral asset for deposit and withdraw"`
	Tranche   string `json:"tranche,omitempty"`
	Item      string `json:"item,omitempty"`
	AutoRepay bool   `json:"auto_repay,omitempty"`
}

type ReleaseRequest struct {
	Items []string `json:"items,omitempty" doc:"Items to release; all locked items when empty"`
}

type DelegateRequest struct {
	ActorID string `json:"actor_id"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	TTL     string `json:"ttl,omitempty" example:"1h"`
}

// Response payloads

type ActionResponse struct {
	Workflow     domain.Workflow  `json:"workflow"`
	Release      *domain.BatchJob `json:"release,omitempty"`
	ReleaseError string           `json:"release_error,omitempty"`
}

type PlanResponse struct {
	Scope     string            `json:"scope"`
	TargetKey string            `json:"target_key"`
	Steps     []domain.StepSpec `json:"steps"`
}

type ViewResponse struct {
	domain.ReconciledView
	Effective map[string]domain.Amount `json:"effective"`
}

type EventResponse struct {
	ID         int64           `json:"id"`
	TS         string          `json:"ts" format:"date-time"`
	Type       string          `json:"type"`
	Account    string          `json:"account,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	Payload    json.RawMessage `json:"payload" jsonschema:"type=object,additionalProperties=true"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, returned once at creation"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type MeResponse struct {
	ActorID string `json:"actor_id"`
	Source  string `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func viewResponse(v domain.ReconciledView) ViewResponse {
	eff := make(map[string]domain.Amount, len(v.Fields))
	for _, name := range v.FieldNames() {
		eff[name] = v.Effective(name)
	}
	for name := range v.Overlay {
		if _, ok := eff[name]; !ok {
			eff[name] = v.Effective(name)
		}
	}
	return ViewResponse{ReconciledView: v, Effective: eff}
}

func actionResponse(r engine.ActionResult) ActionResponse {
	return ActionResponse{Workflow: r.Workflow, Release: r.Release, ReleaseError: r.ReleaseError}
}

func eventResponse(evt domain.Event) EventResponse {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		Account:    evt.Account,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

func apiKeyResponse(k domain.APIKey, plaintext string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, Key: plaintext, CreatedAt: k.CreatedAt}
}
