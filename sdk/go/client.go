// Package signlinesdk is a typed HTTP client for the Signline API.
package signlinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a Signline server. Set BearerToken or APIKey before the
// first call; bearer wins when both are set.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Definition is the API workflow definition model. Node configs are kept
// loose: set the kind-specific keys documented by the server's OpenAPI.
type Definition struct {
	WorkflowID string        `json:"workflow_id,omitempty"`
	Version    int           `json:"version,omitempty"`
	Name       string        `json:"name"`
	OrgID      string        `json:"org_id,omitempty"`
	CreatedBy  string        `json:"created_by,omitempty"`
	Nodes      []Node        `json:"nodes"`
	Edges      []Edge        `json:"edges"`
	Variables  []VariableDef `json:"variables,omitempty"`
	Settings   Settings      `json:"settings,omitempty"`
	CreatedAt  string        `json:"created_at,omitempty"`
}

// definitionBody trims a Definition to the fields the create and validate
// endpoints accept; server-assigned fields would fail schema validation.
func definitionBody(def Definition) map[string]any {
	body := map[string]any{
		"name":  def.Name,
		"nodes": nonNil(def.Nodes),
		"edges": nonNil(def.Edges),
	}
	if def.WorkflowID != "" {
		body["workflow_id"] = def.WorkflowID
	}
	if def.OrgID != "" {
		body["org_id"] = def.OrgID
	}
	if len(def.Variables) > 0 {
		body["variables"] = def.Variables
	}
	if def.Settings != (Settings{}) {
		body["settings"] = def.Settings
	}
	return body
}

type Node struct {
	ID     string         `json:"id"`
	Kind   string         `json:"kind"`
	Config map[string]any `json:"config,omitempty"`
}

type Edge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Guard    string `json:"guard,omitempty"`
}

type VariableDef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Default any    `json:"default,omitempty"`
}

type Settings struct {
	MaxDuration      string `json:"max_duration,omitempty"`
	MaxParallelTasks int    `json:"max_parallel_tasks,omitempty"`
	RetryAttempts    int    `json:"retry_attempts,omitempty"`
	EscalationDelay  string `json:"escalation_delay,omitempty"`
	ReminderInterval string `json:"reminder_interval,omitempty"`
}

type Participant struct {
	ID           string `json:"id"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	CredentialID string `json:"credential_id,omitempty"`
}

type DocumentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URI         string `json:"uri,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

// StartContext is the trigger payload for StartWorkflow.
type StartContext struct {
	Documents    []DocumentRef  `json:"documents,omitempty"`
	Participants []Participant  `json:"participants"`
	Variables    map[string]any `json:"variables,omitempty"`
}

// Instance is the API workflow instance model (partial).
type Instance struct {
	ID              string         `json:"id"`
	WorkflowID      string         `json:"workflow_id"`
	WorkflowVersion int            `json:"workflow_version"`
	OrgID           string         `json:"org_id"`
	Status          string         `json:"status"`
	CurrentNodes    []string       `json:"current_nodes"`
	Variables       map[string]any `json:"variables,omitempty"`
	Documents       []DocumentRef  `json:"documents,omitempty"`
	InitiatedBy     string         `json:"initiated_by"`
	Deadline        *string        `json:"deadline,omitempty"`
	StartedAt       string         `json:"started_at"`
	FinishedAt      *string        `json:"finished_at,omitempty"`
	FailureReason   string         `json:"failure_reason,omitempty"`
}

// Task is the API task model (partial).
type Task struct {
	ID           string       `json:"id"`
	InstanceID   string       `json:"instance_id"`
	NodeID       string       `json:"node_id"`
	Kind         string       `json:"kind"`
	Status       string       `json:"status"`
	Assignee     Assignee     `json:"assignee"`
	Requirements Requirements `json:"requirements"`
	DueAt        *string      `json:"due_at,omitempty"`
	Evidence     *Evidence    `json:"evidence,omitempty"`
	Attempts     int          `json:"attempts"`
	DelegatedTo  *string      `json:"delegated_to,omitempty"`
	CreatedAt    string       `json:"created_at"`
	UpdatedAt    string       `json:"updated_at"`
}

type Assignee struct {
	ParticipantID string `json:"participant_id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
}

type Requirements struct {
	RequireMFA       bool   `json:"require_mfa,omitempty"`
	MFALevel         int    `json:"mfa_level,omitempty"`
	RequireTimestamp bool   `json:"require_timestamp,omitempty"`
	AllowDelegation  bool   `json:"allow_delegation,omitempty"`
	SignatureType    string `json:"signature_type,omitempty"`
	CertificateLevel string `json:"certificate_level,omitempty"`
}

// Evidence is submitted on task completion. Signature carries raw bytes
// (base64); the server moves them to its object store.
type Evidence struct {
	Signature      string        `json:"signature,omitempty"`
	SignatureRef   string        `json:"signature_ref,omitempty"`
	Digest         string        `json:"digest,omitempty"`
	MFA            *MFAAssertion `json:"mfa,omitempty"`
	TimestampToken string        `json:"timestamp_token,omitempty"`
	Certificate    string        `json:"certificate,omitempty"`
	Outcome        string        `json:"outcome,omitempty"`
	ClientIP       string        `json:"client_ip,omitempty"`
	UserAgent      string        `json:"user_agent,omitempty"`
}

type MFAAssertion struct {
	Method     string `json:"method"`
	Level      int    `json:"level"`
	Provider   string `json:"provider,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty"`
}

// AuditEvent is one link of an instance's hash chain.
type AuditEvent struct {
	InstanceID string  `json:"instance_id"`
	Seq        int64   `json:"seq"`
	PrevHash   string  `json:"prev_hash"`
	TS         string  `json:"ts"`
	Actor      string  `json:"actor"`
	Action     string  `json:"action"`
	NodeID     *string `json:"node_id,omitempty"`
	TaskID     *string `json:"task_id,omitempty"`
	Details    string  `json:"details,omitempty"`
	Hash       string  `json:"hash"`
}

type Policy struct {
	ID            string      `json:"id,omitempty"`
	Name          string      `json:"name"`
	Priority      int         `json:"priority"`
	Effect        string      `json:"effect"`
	Type          string      `json:"type"`
	Enabled       bool        `json:"enabled"`
	ResourceTypes []string    `json:"resource_types,omitempty"`
	Actions       []string    `json:"actions,omitempty"`
	Roles         []string    `json:"roles,omitempty"`
	Permissions   []string    `json:"permissions,omitempty"`
	Relationships []string    `json:"relationships,omitempty"`
	Conditions    []Condition `json:"conditions,omitempty"`
	CreatedAt     string      `json:"created_at,omitempty"`
	UpdatedAt     string      `json:"updated_at,omitempty"`
}

type Condition struct {
	AttributePath   string `json:"attribute_path"`
	Operator        string `json:"operator"`
	Value           any    `json:"value"`
	Group           string `json:"group,omitempty"`
	LogicalOperator string `json:"logical_operator,omitempty"`
}

type AuthzRequest struct {
	Subject       string         `json:"subject"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	ResourceType  string         `json:"resource_type"`
	SubjectAttrs  map[string]any `json:"subject_attrs,omitempty"`
	ResourceAttrs map[string]any `json:"resource_attrs,omitempty"`
	EnvAttrs      map[string]any `json:"env_attrs,omitempty"`
}

type AuthzDecision struct {
	Decision        string        `json:"decision"`
	Reason          string        `json:"reason"`
	MatchedPolicies []PolicyTrace `json:"matched_policies"`
	FromCache       bool          `json:"from_cache,omitempty"`
}

// Allowed reports whether the decision permits the action.
func (d AuthzDecision) Allowed() bool { return d.Decision == "allow" }

type PolicyTrace struct {
	PolicyID string `json:"policy_id"`
	Name     string `json:"name"`
	Effect   string `json:"effect"`
	Matched  bool   `json:"matched"`
}

// StartResult is the response of StartWorkflow.
type StartResult struct {
	Instance      Instance `json:"instance"`
	StartingNodes []string `json:"starting_nodes"`
	Tasks         []Task   `json:"tasks"`
}

// CompleteResult is the response of CompleteTask.
type CompleteResult struct {
	Task         Task     `json:"task"`
	NewlyPending []Task   `json:"newly_pending"`
	Instance     Instance `json:"instance"`
}

// DelegateResult pairs the superseded task with its replacement.
type DelegateResult struct {
	OldTask Task `json:"old_task"`
	NewTask Task `json:"new_task"`
}

// InstanceDetail is an instance with its tasks and participants.
type InstanceDetail struct {
	Instance     Instance      `json:"instance"`
	Tasks        []Task        `json:"tasks"`
	Participants []Participant `json:"participants"`
}

type DefinitionPage struct {
	Items      []Definition `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type InstancePage struct {
	Items      []Instance `json:"items"`
	NextCursor string     `json:"next_cursor,omitempty"`
}

type TaskPage struct {
	Items      []Task `json:"items"`
	NextCursor string `json:"next_cursor,omitempty"`
}

type AuditPage struct {
	Items     []AuditEvent `json:"items"`
	NextAfter int64        `json:"next_after,omitempty"`
}

// APIKeyRecord is the stored form of an API key; the secret itself is
// returned only once, by CreateAPIKey.
type APIKeyRecord struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at"`
}

// Identity describes the authenticated caller.
type Identity struct {
	Subject string   `json:"subject"`
	OrgID   string   `json:"org_id,omitempty"`
	Roles   []string `json:"roles,omitempty"`
	Source  string   `json:"source"`
}

// APIError wraps non-2xx responses. Code and Message come from the
// server's error envelope when it sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// InstanceFilter narrows Instances listings.
type InstanceFilter struct {
	OrgID      string
	WorkflowID string
	Status     string
	Limit      int
	Cursor     string
}

// TaskFilter narrows Tasks listings. Assignee defaults server-side to the
// caller's subject.
type TaskFilter struct {
	Assignee   string
	InstanceID string
	Status     string
	Kind       string
	DueBefore  string
	Limit      int
	Cursor     string
}

// CreateDefinition stores a new definition version.
func (c *Client) CreateDefinition(ctx context.Context, def Definition) (Definition, error) {
	var resp Definition
	err := c.do(ctx, http.MethodPost, "v1/workflows", definitionBody(def), &resp)
	return resp, err
}

// ValidateDefinition checks a definition without storing it. A structural
// problem comes back as valid=false with a reason, not as an error.
func (c *Client) ValidateDefinition(ctx context.Context, def Definition) (bool, string, error) {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}
	err := c.do(ctx, http.MethodPost, "v1/workflows/validate", definitionBody(def), &resp)
	return resp.Valid, resp.Error, err
}

// Definitions lists stored definitions.
func (c *Client) Definitions(ctx context.Context, workflowID, orgID string, limit int) (DefinitionPage, error) {
	q := url.Values{}
	if workflowID != "" {
		q.Set("workflow_id", workflowID)
	}
	if orgID != "" {
		q.Set("org_id", orgID)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp DefinitionPage
	err := c.do(ctx, http.MethodGet, withQuery("v1/workflows", q), nil, &resp)
	return resp, err
}

// Definition fetches one definition; version 0 means latest.
func (c *Client) Definition(ctx context.Context, workflowID string, version int) (Definition, error) {
	endpoint := "v1/workflows/" + url.PathEscape(workflowID)
	if version > 0 {
		endpoint = fmt.Sprintf("%s?version=%d", endpoint, version)
	}
	var resp Definition
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// StartWorkflow starts an instance of a stored definition; version 0
// means latest.
func (c *Client) StartWorkflow(ctx context.Context, workflowID string, version int, sc StartContext) (StartResult, error) {
	body := map[string]any{
		"participants": nonNil(sc.Participants),
	}
	if version > 0 {
		body["version"] = version
	}
	if len(sc.Documents) > 0 {
		body["documents"] = sc.Documents
	}
	if len(sc.Variables) > 0 {
		body["variables"] = sc.Variables
	}
	var resp StartResult
	endpoint := fmt.Sprintf("v1/workflows/%s/start", url.PathEscape(workflowID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Instances lists instances.
func (c *Client) Instances(ctx context.Context, f InstanceFilter) (InstancePage, error) {
	q := url.Values{}
	if f.OrgID != "" {
		q.Set("org_id", f.OrgID)
	}
	if f.WorkflowID != "" {
		q.Set("workflow_id", f.WorkflowID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var resp InstancePage
	err := c.do(ctx, http.MethodGet, withQuery("v1/instances", q), nil, &resp)
	return resp, err
}

// Instance fetches an instance with tasks and participants.
func (c *Client) Instance(ctx context.Context, instanceID string) (InstanceDetail, error) {
	var resp InstanceDetail
	err := c.do(ctx, http.MethodGet, "v1/instances/"+url.PathEscape(instanceID), nil, &resp)
	return resp, err
}

// CancelWorkflow cancels a running instance.
func (c *Client) CancelWorkflow(ctx context.Context, instanceID, reason string) (Instance, error) {
	var resp Instance
	endpoint := fmt.Sprintf("v1/instances/%s/cancel", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Tasks lists tasks, by default the caller's open ones.
func (c *Client) Tasks(ctx context.Context, f TaskFilter) (TaskPage, error) {
	q := url.Values{}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.InstanceID != "" {
		q.Set("instance_id", f.InstanceID)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.Kind != "" {
		q.Set("kind", f.Kind)
	}
	if f.DueBefore != "" {
		q.Set("due_before", f.DueBefore)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	if f.Cursor != "" {
		q.Set("cursor", f.Cursor)
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, withQuery("v1/tasks", q), nil, &resp)
	return resp, err
}

// Task fetches one task.
func (c *Client) Task(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v1/tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// CompleteTask submits evidence for a task.
func (c *Client) CompleteTask(ctx context.Context, taskID string, ev Evidence) (CompleteResult, error) {
	var resp CompleteResult
	endpoint := fmt.Sprintf("v1/tasks/%s/complete", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"evidence": ev}, &resp)
	return resp, err
}

// DelegateTask hands a task to another participant.
func (c *Client) DelegateTask(ctx context.Context, taskID string, to Participant) (DelegateResult, error) {
	var resp DelegateResult
	endpoint := fmt.Sprintf("v1/tasks/%s/delegate", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"to": to}, &resp)
	return resp, err
}

// RemindTask nudges the task's assignee.
func (c *Client) RemindTask(ctx context.Context, taskID string) error {
	endpoint := fmt.Sprintf("v1/tasks/%s/remind", url.PathEscape(taskID))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// AuditTrail pages through an instance's chain; after is the last seq
// already seen.
func (c *Client) AuditTrail(ctx context.Context, instanceID string, after int64, limit int) (AuditPage, error) {
	q := url.Values{}
	if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	var resp AuditPage
	endpoint := withQuery(fmt.Sprintf("v1/instances/%s/audit", url.PathEscape(instanceID)), q)
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// VerifyAudit asks the server to recompute an instance's hash chain. A
// broken chain comes back as valid=false with the divergence, not as an
// error.
func (c *Client) VerifyAudit(ctx context.Context, instanceID string) (bool, string, error) {
	var resp struct {
		Valid bool   `json:"valid"`
		Error string `json:"error,omitempty"`
	}
	endpoint := fmt.Sprintf("v1/instances/%s/audit/verify", url.PathEscape(instanceID))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Valid, resp.Error, err
}

// SubscribeInstance streams an instance's audit events (server-sent
// events) to fn until the instance reaches a terminal state, fn returns
// an error, or the context ends. after skips events already seen by seq.
func (c *Client) SubscribeInstance(ctx context.Context, instanceID string, after int64, fn func(AuditEvent) error) error {
	endpoint := fmt.Sprintf("v1/instances/%s/events", url.PathEscape(instanceID))
	if after > 0 {
		endpoint = fmt.Sprintf("%s?after=%d", endpoint, after)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base()+"/"+endpoint, nil)
	if err != nil {
		return err
	}
	c.setAuth(req)
	req.Header.Set("Accept", "text/event-stream")
	// The stream outlives any per-request timeout; the context bounds it.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiErrorFrom(resp.StatusCode, resp.Body)
	}
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == "done" {
				return nil
			}
			if data != "" {
				var ev AuditEvent
				if err := json.Unmarshal([]byte(data), &ev); err != nil {
					return fmt.Errorf("decode event: %w", err)
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			event, data = "", ""
		}
	}
	return scanner.Err()
}

// Check asks the decision point directly.
func (c *Client) Check(ctx context.Context, req AuthzRequest) (AuthzDecision, error) {
	var resp AuthzDecision
	err := c.do(ctx, http.MethodPost, "v1/authz/check", req, &resp)
	return resp, err
}

// PutPolicy creates or replaces a policy. Requires an admin caller.
func (c *Client) PutPolicy(ctx context.Context, p Policy) (Policy, error) {
	body := map[string]any{
		"name":     p.Name,
		"priority": p.Priority,
		"effect":   p.Effect,
		"type":     p.Type,
		"enabled":  p.Enabled,
	}
	if p.ID != "" {
		body["id"] = p.ID
	}
	if len(p.ResourceTypes) > 0 {
		body["resource_types"] = p.ResourceTypes
	}
	if len(p.Actions) > 0 {
		body["actions"] = p.Actions
	}
	if len(p.Roles) > 0 {
		body["roles"] = p.Roles
	}
	if len(p.Permissions) > 0 {
		body["permissions"] = p.Permissions
	}
	if len(p.Relationships) > 0 {
		body["relationships"] = p.Relationships
	}
	if len(p.Conditions) > 0 {
		body["conditions"] = p.Conditions
	}
	var resp Policy
	err := c.do(ctx, http.MethodPut, "v1/authz/policies", body, &resp)
	return resp, err
}

// Policies lists policies in evaluation order. Requires an admin caller.
func (c *Client) Policies(ctx context.Context) ([]Policy, error) {
	var resp struct {
		Items []Policy `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, "v1/authz/policies", nil, &resp)
	return resp.Items, err
}

// SetPolicyEnabled toggles a policy. Requires an admin caller.
func (c *Client) SetPolicyEnabled(ctx context.Context, policyID string, enabled bool) error {
	endpoint := fmt.Sprintf("v1/authz/policies/%s/enabled", url.PathEscape(policyID))
	return c.do(ctx, http.MethodPost, endpoint, map[string]any{"enabled": enabled}, nil)
}

// DeletePolicy removes a policy. Requires an admin caller.
func (c *Client) DeletePolicy(ctx context.Context, policyID string) error {
	return c.do(ctx, http.MethodDelete, "v1/authz/policies/"+url.PathEscape(policyID), nil, nil)
}

// CreateAPIKey mints an API key for a subject. The returned secret is
// shown exactly once. Requires an admin caller.
func (c *Client) CreateAPIKey(ctx context.Context, subjectID, name string) (string, APIKeyRecord, error) {
	var resp struct {
		Key    string       `json:"key"`
		Record APIKeyRecord `json:"record"`
	}
	body := map[string]any{"subject_id": subjectID}
	if name != "" {
		body["name"] = name
	}
	err := c.do(ctx, http.MethodPost, "v1/auth/api-keys", body, &resp)
	return resp.Key, resp.Record, err
}

// Me returns the caller's identity as the server sees it.
func (c *Client) Me(ctx context.Context) (Identity, error) {
	var resp Identity
	err := c.do(ctx, http.MethodGet, "v1/me", nil, &resp)
	return resp, err
}

// DevLogin mints a token from the development endpoint and installs it on
// the client. Only works against servers started with dev login enabled.
func (c *Client) DevLogin(ctx context.Context, subject, orgID string, roles []string) (string, error) {
	body := map[string]any{"subject": subject}
	if orgID != "" {
		body["org_id"] = orgID
	}
	if len(roles) > 0 {
		body["roles"] = roles
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "v1/auth/dev/login", body, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base()+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setAuth(req)
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiErrorFrom(resp.StatusCode, resp.Body)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) {
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
}

func apiErrorFrom(status int, body io.Reader) error {
	raw, _ := io.ReadAll(io.LimitReader(body, 64*1024))
	apiErr := &APIError{StatusCode: status, Body: string(raw)}
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Message string         `json:"message"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.Details = envelope.Error.Details
	}
	return apiErr
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
