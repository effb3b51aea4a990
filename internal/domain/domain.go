package domain

// Node kinds understood by the workflow engine.
const (
	NodeStart            = "start"
	NodeEnd              = "end"
	NodeSignature        = "signature"
	NodeApproval         = "approval"
	NodeNotification     = "notification"
	NodeCondition        = "condition"
	NodeParallelSplit    = "parallel_split"
	NodeParallelJoin     = "parallel_join"
	NodeExclusiveGateway = "exclusive_gateway"
	NodeInclusiveGateway = "inclusive_gateway"
	NodeTimer            = "timer"
	NodeServiceTask      = "service_task"
	NodeScript           = "script"
)

// Task kinds. Signature and approval nodes may refine their task kind
// via config (witness, review, user_form).
const (
	TaskKindSignature   = "signature"
	TaskKindApproval    = "approval"
	TaskKindReview      = "review"
	TaskKindWitness     = "witness"
	TaskKindUserForm    = "user_form"
	TaskKindServiceCall = "service_call"
	TaskKindTimer       = "timer"
)

const (
	TaskWaiting    = "waiting"
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
	TaskExpired    = "expired"
	TaskDelegated  = "delegated"
	TaskCancelled  = "cancelled"
)

const (
	InstanceRunning   = "running"
	InstanceCompleted = "completed"
	InstanceFailed    = "failed"
	InstanceCancelled = "cancelled"
	InstanceExpired   = "expired"
)

const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

const (
	PolicyRBAC   = "rbac"
	PolicyReBAC  = "rebac"
	PolicyABAC   = "abac"
	PolicyHybrid = "hybrid"
)

const (
	SignatureSimple    = "simple"
	SignatureAdvanced  = "advanced"
	SignatureQualified = "qualified"
)

type WorkflowDefinition struct {
	WorkflowID string        `json:"workflow_id"`
	Version    int           `json:"version"`
	Name       string        `json:"name"`
	OrgID      string        `json:"org_id"`
	CreatedBy  string        `json:"created_by"`
	Nodes      []Node        `json:"nodes"`
	Edges      []Edge        `json:"edges"`
	Variables  []VariableDef `json:"variables,omitempty"`
	Settings   Settings      `json:"settings"`
	CreatedAt  string        `json:"created_at" format:"date-time"`
}

type Node struct {
	ID     string     `json:"id"`
	Kind   string     `json:"kind" enum:"start,end,signature,approval,notification,condition,parallel_split,parallel_join,exclusive_gateway,inclusive_gateway,timer,service_task,script"`
	Config NodeConfig `json:"config,omitempty"`
}

// NodeConfig carries the kind-specific settings of a node. Fields not
// relevant to the node's kind are ignored by the engine.
type NodeConfig struct {
	// signature, approval
	Assignee     *AssigneeRef  `json:"assignee,omitempty"`
	TaskKind     string        `json:"task_kind,omitempty" enum:",signature,approval,review,witness,user_form"`
	Requirements *Requirements `json:"requirements,omitempty"`
	DueIn        string        `json:"due_in,omitempty"`

	// notification
	Channel    string            `json:"channel,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Recipient  string            `json:"recipient,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`

	// timer
	Delay    string `json:"delay,omitempty"`
	Absolute string `json:"absolute,omitempty" format:"date-time"`

	// service_task
	Service       string         `json:"service,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	RetryAttempts *int           `json:"retry_attempts,omitempty"`
	OnError       string         `json:"on_error,omitempty"`

	// script: expression per variable, evaluated against current variables
	Assignments map[string]string `json:"assignments,omitempty"`

	// parallel_join, inclusive_gateway join
	JoinOf string `json:"join_of,omitempty"`

	// expiry route fired instead of failing the instance
	OnExpire string `json:"on_expire,omitempty"`

	// compensation invoked in reverse order when the instance fails
	Compensation *ServiceCall `json:"compensation,omitempty"`
}

type ServiceCall struct {
	Service string         `json:"service"`
	Input   map[string]any `json:"input,omitempty"`
}

// AssigneeRef names a participant of the start context, either directly
// by id or by the first participant carrying the role.
type AssigneeRef struct {
	ParticipantID string `json:"participant_id,omitempty"`
	Role          string `json:"role,omitempty"`
}

type Edge struct {
	SourceID string `json:"source_id"`
	TargetID string `json:"target_id"`
	Guard    string `json:"guard,omitempty"`
}

type VariableDef struct {
	Name    string `json:"name"`
	Type    string `json:"type" enum:"string,int,double,bool"`
	Default any    `json:"default,omitempty"`
}

type Settings struct {
	MaxDuration      string `json:"max_duration,omitempty"`
	MaxParallelTasks int    `json:"max_parallel_tasks,omitempty"`
	RetryAttempts    int    `json:"retry_attempts,omitempty"`
	EscalationDelay  string `json:"escalation_delay,omitempty"`
	ReminderInterval string `json:"reminder_interval,omitempty"`
}

type WorkflowInstance struct {
	ID                string         `json:"id"`
	WorkflowID        string         `json:"workflow_id"`
	WorkflowVersion   int            `json:"workflow_version"`
	OrgID             string         `json:"org_id"`
	Status            string         `json:"status" enum:"running,completed,failed,cancelled,expired"`
	CurrentNodes      []string       `json:"current_nodes"`
	Variables         map[string]any `json:"variables,omitempty"`
	Documents         []DocumentRef  `json:"documents,omitempty"`
	InitiatedBy       string         `json:"initiated_by"`
	Deadline          *string        `json:"deadline,omitempty" format:"date-time"`
	StartedAt         string         `json:"started_at" format:"date-time"`
	FinishedAt        *string        `json:"finished_at,omitempty" format:"date-time"`
	PredictedDuration string         `json:"predicted_duration,omitempty"`
	FailureReason     string         `json:"failure_reason,omitempty"`
}

type DocumentRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
	URI         string `json:"uri,omitempty"`
	Digest      string `json:"digest,omitempty"`
}

type Task struct {
	ID            string       `json:"id"`
	InstanceID    string       `json:"instance_id"`
	NodeID        string       `json:"node_id"`
	Order         int          `json:"order"`
	Kind          string       `json:"kind" enum:"signature,approval,review,witness,user_form,service_call,timer"`
	Status        string       `json:"status" enum:"waiting,pending,in_progress,completed,failed,expired,delegated,cancelled"`
	Assignee      Assignee     `json:"assignee"`
	Dependencies  []string     `json:"dependencies,omitempty"`
	Requirements  Requirements `json:"requirements"`
	DueAt         *string      `json:"due_at,omitempty" format:"date-time"`
	AssignedAt    string       `json:"assigned_at" format:"date-time"`
	CompletedAt   *string      `json:"completed_at,omitempty" format:"date-time"`
	Evidence      *Evidence    `json:"evidence,omitempty"`
	Attempts      int          `json:"attempts"`
	RemindersSent []string     `json:"reminders_sent,omitempty"`
	DelegatedTo   *string      `json:"delegated_to,omitempty"`
	EscalatedAt   *string      `json:"escalated_at,omitempty" format:"date-time"`
	CreatedAt     string       `json:"created_at" format:"date-time"`
	UpdatedAt     string       `json:"updated_at" format:"date-time"`
}

type Assignee struct {
	ParticipantID string `json:"participant_id"`
	Email         string `json:"email"`
	DisplayName   string `json:"display_name"`
	Role          string `json:"role"`
}

type Participant struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id,omitempty"`
	Email        string `json:"email"`
	DisplayName  string `json:"display_name"`
	Role         string `json:"role"`
	CredentialID string `json:"credential_id,omitempty"`
}

type Requirements struct {
	RequireMFA       bool   `json:"require_mfa,omitempty"`
	MFALevel         int    `json:"mfa_level,omitempty"`
	RequireTimestamp bool   `json:"require_timestamp,omitempty"`
	AllowDelegation  bool   `json:"allow_delegation,omitempty"`
	SignatureType    string `json:"signature_type,omitempty" enum:",simple,advanced,qualified"`
	CertificateLevel string `json:"certificate_level,omitempty"`
}

// Evidence is the record submitted on task completion. Signature carries
// raw bytes (base64) on input only; the scheduler moves them to the object
// store and keeps SignatureRef plus Digest. Write-once.
type Evidence struct {
	Signature      string        `json:"signature,omitempty"`
	SignatureRef   string        `json:"signature_ref,omitempty"`
	Digest         string        `json:"digest,omitempty"`
	MFA            *MFAAssertion `json:"mfa,omitempty"`
	TimestampToken string        `json:"timestamp_token,omitempty"`
	Certificate    string        `json:"certificate,omitempty"`
	Outcome        string        `json:"outcome,omitempty" enum:",approved,rejected"`
	ClientIP       string        `json:"client_ip,omitempty"`
	UserAgent      string        `json:"user_agent,omitempty"`
}

type MFAAssertion struct {
	Method     string `json:"method"`
	Level      int    `json:"level"`
	Provider   string `json:"provider,omitempty"`
	VerifiedAt string `json:"verified_at,omitempty" format:"date-time"`
}

type Policy struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	Priority      int         `json:"priority"`
	Effect        string      `json:"effect" enum:"allow,deny"`
	Type          string      `json:"type" enum:"rbac,rebac,abac,hybrid"`
	Enabled       bool        `json:"enabled"`
	ResourceTypes []string    `json:"resource_types,omitempty"`
	Actions       []string    `json:"actions,omitempty"`
	Roles         []string    `json:"roles,omitempty"`
	Permissions   []string    `json:"permissions,omitempty"`
	Relationships []string    `json:"relationships,omitempty"`
	Conditions    []Condition `json:"conditions,omitempty"`
	CreatedAt     string      `json:"created_at" format:"date-time"`
	UpdatedAt     string      `json:"updated_at" format:"date-time"`
}

type Condition struct {
	AttributePath   string `json:"attribute_path"`
	Operator        string `json:"operator" enum:"eq,neq,lt,lte,gt,gte,in,not_in,contains,not_contains,starts_with,ends_with,matches_regex"`
	Value           any    `json:"value"`
	Group           string `json:"group,omitempty"`
	LogicalOperator string `json:"logical_operator,omitempty" enum:",AND,OR,NOT"`
}

type Relationship struct {
	Subject    string `json:"subject"`
	Relation   string `json:"relation"`
	Object     string `json:"object"`
	ObjectType string `json:"object_type"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Attribute struct {
	EntityID  string `json:"entity_id"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

type AuthzRequest struct {
	Subject       string         `json:"subject"`
	Action        string         `json:"action"`
	Resource      string         `json:"resource"`
	ResourceType  string         `json:"resource_type"`
	SubjectAttrs  map[string]any `json:"subject_attrs,omitempty"`
	ResourceAttrs map[string]any `json:"resource_attrs,omitempty"`
	EnvAttrs      map[string]any `json:"env_attrs,omitempty"`
	ClientInfo    *ClientInfo    `json:"client_info,omitempty"`
}

type ClientInfo struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

type AuthzDecision struct {
	Decision        string        `json:"decision" enum:"allow,deny"`
	Reason          string        `json:"reason"`
	MatchedPolicies []PolicyTrace `json:"matched_policies"`
	FromCache       bool          `json:"from_cache,omitempty"`
}

func (d AuthzDecision) Allowed() bool { return d.Decision == EffectAllow }

type PolicyTrace struct {
	PolicyID string `json:"policy_id"`
	Name     string `json:"name"`
	Effect   string `json:"effect"`
	Matched  bool   `json:"matched"`
}

type AuditEvent struct {
	InstanceID string  `json:"instance_id"`
	Seq        int64   `json:"seq"`
	PrevHash   string  `json:"prev_hash"`
	TS         string  `json:"ts" format:"date-time"`
	Actor      string  `json:"actor"`
	Action     string  `json:"action"`
	NodeID     *string `json:"node_id,omitempty"`
	TaskID     *string `json:"task_id,omitempty"`
	Details    string  `json:"details,omitempty"`
	Hash       string  `json:"hash"`
}

type APIKey struct {
	ID        string `json:"id"`
	SubjectID string `json:"subject_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// StartContext is the trigger payload of start_workflow.
type StartContext struct {
	Documents    []DocumentRef  `json:"documents,omitempty"`
	Participants []Participant  `json:"participants"`
	Variables    map[string]any `json:"variables,omitempty"`
}
