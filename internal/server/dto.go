package server

import (
	"signline/internal/domain"
)

// Requests. Domain types carry their own JSON shapes, so responses mostly
// reuse them; requests get dedicated types to pin down what a caller may
// send.

type CreateWorkflowRequest struct {
	WorkflowID string               `json:"workflow_id,omitempty"`
	Name       string               `json:"name"`
	OrgID      string               `json:"org_id,omitempty"`
	Nodes      []domain.Node        `json:"nodes"`
	Edges      []domain.Edge        `json:"edges"`
	Variables  []domain.VariableDef `json:"variables,omitempty"`
	Settings   domain.Settings      `json:"settings,omitempty"`
}

func (r CreateWorkflowRequest) definition() domain.WorkflowDefinition {
	return domain.WorkflowDefinition{
		WorkflowID: r.WorkflowID,
		Name:       r.Name,
		OrgID:      r.OrgID,
		Nodes:      r.Nodes,
		Edges:      r.Edges,
		Variables:  r.Variables,
		Settings:   r.Settings,
	}
}

type StartWorkflowRequest struct {
	Version      int                  `json:"version,omitempty" doc:"Definition version; latest when omitted"`
	Participants []domain.Participant `json:"participants"`
	Variables    map[string]any       `json:"variables,omitempty"`
	Documents    []domain.DocumentRef `json:"documents,omitempty"`
}

type CompleteTaskRequest struct {
	Evidence domain.Evidence `json:"evidence"`
}

type DelegateTaskRequest struct {
	To domain.Participant `json:"to"`
}

type CancelWorkflowRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SetPolicyEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type PutPolicyRequest struct {
	ID            string             `json:"id,omitempty" doc:"Assigned when omitted"`
	Name          string             `json:"name"`
	Priority      int                `json:"priority"`
	Effect        string             `json:"effect" enum:"allow,deny"`
	Type          string             `json:"type" enum:"rbac,rebac,abac,hybrid"`
	Enabled       bool               `json:"enabled"`
	ResourceTypes []string           `json:"resource_types,omitempty"`
	Actions       []string           `json:"actions,omitempty"`
	Roles         []string           `json:"roles,omitempty"`
	Permissions   []string           `json:"permissions,omitempty"`
	Relationships []string           `json:"relationships,omitempty"`
	Conditions    []domain.Condition `json:"conditions,omitempty"`
}

func (r PutPolicyRequest) policy() domain.Policy {
	return domain.Policy{
		ID:            r.ID,
		Name:          r.Name,
		Priority:      r.Priority,
		Effect:        r.Effect,
		Type:          r.Type,
		Enabled:       r.Enabled,
		ResourceTypes: r.ResourceTypes,
		Actions:       r.Actions,
		Roles:         r.Roles,
		Permissions:   r.Permissions,
		Relationships: r.Relationships,
		Conditions:    r.Conditions,
	}
}

type RelationshipRequest struct {
	Subject    string `json:"subject"`
	Relation   string `json:"relation"`
	Object     string `json:"object"`
	ObjectType string `json:"object_type"`
}

func (r RelationshipRequest) relationship() domain.Relationship {
	return domain.Relationship{
		Subject:    r.Subject,
		Relation:   r.Relation,
		Object:     r.Object,
		ObjectType: r.ObjectType,
	}
}

type PutAttributeRequest struct {
	EntityID string `json:"entity_id"`
	Key      string `json:"key"`
	Value    any    `json:"value"`
}

func (r PutAttributeRequest) attribute() domain.Attribute {
	return domain.Attribute{EntityID: r.EntityID, Key: r.Key, Value: r.Value}
}

type CreateAPIKeyRequest struct {
	SubjectID string `json:"subject_id"`
	Name      string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	Subject string   `json:"subject"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses.

type StartWorkflowResponse struct {
	Instance      domain.WorkflowInstance `json:"instance"`
	StartingNodes []string                `json:"starting_nodes"`
	Tasks         []domain.Task           `json:"tasks"`
}

type CompleteTaskResponse struct {
	Task         domain.Task             `json:"task"`
	NewlyPending []domain.Task           `json:"newly_pending"`
	Instance     domain.WorkflowInstance `json:"instance"`
}

type DelegateTaskResponse struct {
	OldTask domain.Task `json:"old_task"`
	NewTask domain.Task `json:"new_task"`
}

type InstanceDetail struct {
	Instance     domain.WorkflowInstance `json:"instance"`
	Tasks        []domain.Task           `json:"tasks"`
	Participants []domain.Participant    `json:"participants"`
}

type ListPage[T any] struct {
	Items      []T    `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type AuditPage struct {
	Items     []domain.AuditEvent `json:"items"`
	NextAfter int64               `json:"next_after,omitempty"`
}

type VerifyResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

type CreateAPIKeyResponse struct {
	Key    string        `json:"key" doc:"Shown once; only its hash is stored"`
	Record domain.APIKey `json:"record"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type MeResponse struct {
	Subject string   `json:"subject"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
