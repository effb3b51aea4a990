package authz

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/migrate"
	"signline/internal/repo"
)

const ts = "2025-03-01T10:00:00Z"

func newDecider(t *testing.T) (*Decider, repo.Repo, *sql.DB) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	log := logrus.New()
	log.SetOutput(io.Discard)
	r := repo.Repo{DB: conn}
	return New(r, log, 128, time.Minute), r, conn
}

func seedPolicy(t *testing.T, r repo.Repo, conn *sql.DB, p domain.Policy) {
	t.Helper()
	if p.CreatedAt == "" {
		p.CreatedAt = ts
	}
	if p.UpdatedAt == "" {
		p.UpdatedAt = ts
	}
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.UpsertPolicy(context.Background(), tx, p))
	require.NoError(t, tx.Commit())
}

func seedRelationship(t *testing.T, r repo.Repo, conn *sql.DB, rel domain.Relationship) {
	t.Helper()
	rel.CreatedAt = ts
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.InsertRelationship(context.Background(), tx, rel))
	require.NoError(t, tx.Commit())
}

func seedAttribute(t *testing.T, r repo.Repo, conn *sql.DB, entityID, key string, value any) {
	t.Helper()
	tx, err := conn.Begin()
	require.NoError(t, err)
	require.NoError(t, r.UpsertAttribute(context.Background(), tx, domain.Attribute{
		EntityID: entityID, Key: key, Value: value, UpdatedAt: ts,
	}))
	require.NoError(t, tx.Commit())
}

func TestDefaultDeny(t *testing.T) {
	d, _, _ := newDecider(t)
	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.EffectDeny, dec.Decision)
	assert.Equal(t, "no matching policy", dec.Reason)
	assert.Empty(t, dec.MatchedPolicies)
}

func TestRBACAllow(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_signers", Name: "signers may sign", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Actions: []string{"complete_task"}, Roles: []string{"signer"},
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed())
	require.Len(t, dec.MatchedPolicies, 1)
	assert.Equal(t, "pol_signers", dec.MatchedPolicies[0].PolicyID)
	assert.True(t, dec.MatchedPolicies[0].Matched)

	// Wrong role stays denied.
	dec, err = d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "bob", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"viewer"}},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed())
}

func TestRBACPermissionList(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_ops", Name: "operators", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"operator"}, Permissions: []string{"cancel_workflow"},
	})

	req := domain.AuthzRequest{
		Subject: "ops", Action: "start_workflow", Resource: "wf_approval", ResourceType: "workflow",
		SubjectAttrs: map[string]any{"roles": []string{"operator"}},
	}
	dec, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "action outside the permission list")

	req.Action = "cancel_workflow"
	dec, err = d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec.Allowed())
}

func TestDenyShortCircuits(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_block_external", Name: "block external", Priority: 100,
		Effect: domain.EffectDeny, Type: domain.PolicyABAC, Enabled: true,
		Conditions: []domain.Condition{
			{AttributePath: "subject.department", Operator: "eq", Value: "external"},
		},
	})
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_allow_all", Name: "allow signers", Priority: 50,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"signer"},
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "eve", Action: "read_workflow", Resource: "wfi_1", ResourceType: "workflow_instance",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}, "department": "external"},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed())
	assert.Contains(t, dec.Reason, "block external")
	// The lower-priority allow is never evaluated.
	require.Len(t, dec.MatchedPolicies, 1)
	assert.Equal(t, "pol_block_external", dec.MatchedPolicies[0].PolicyID)
}

func TestDenyOverridesEarlierAllow(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_allow", Name: "allow signers", Priority: 100,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"signer"},
	})
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_deny_weekend", Name: "deny weekends", Priority: 10,
		Effect: domain.EffectDeny, Type: domain.PolicyABAC, Enabled: true,
		Conditions: []domain.Condition{
			{AttributePath: "env.weekend", Operator: "eq", Value: true},
		},
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
		EnvAttrs:     map[string]any{"weekend": true},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed())
	assert.Contains(t, dec.Reason, "deny weekends")
	require.Len(t, dec.MatchedPolicies, 2)
}

func TestReBACDirectAndTwoHop(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_owner", Name: "owners read", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyReBAC, Enabled: true,
		Actions: []string{"read_document"}, Relationships: []string{"owner"},
	})
	seedRelationship(t, r, conn, domain.Relationship{
		Subject: "alice", Relation: "owner", Object: "doc_1", ObjectType: "document",
	})
	seedRelationship(t, r, conn, domain.Relationship{
		Subject: "bob", Relation: "member", Object: "org_acme", ObjectType: "organization",
	})
	seedRelationship(t, r, conn, domain.Relationship{
		Subject: "org_acme", Relation: "owner", Object: "doc_2", ObjectType: "document",
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "read_document", Resource: "doc_1", ResourceType: "document",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed(), "direct triple")

	dec, err = d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "bob", Action: "read_document", Resource: "doc_2", ResourceType: "document",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed(), "two-hop via organization membership")

	dec, err = d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "bob", Action: "read_document", Resource: "doc_1", ResourceType: "document",
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "no chain to doc_1")
}

func TestABACOperatorsAndGroups(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_finance", Name: "large contract rules", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyABAC, Enabled: true,
		Conditions: []domain.Condition{
			{AttributePath: "resource.amount", Operator: "gt", Value: 1000, Group: "amount"},
			{AttributePath: "resource.amount", Operator: "lte", Value: 50000, Group: "amount"},
			{AttributePath: "subject.department", Operator: "in", Value: []any{"legal", "finance"}, Group: "dept"},
			{AttributePath: "subject.email", Operator: "ends_with", Value: "@acme.test", Group: "dept", LogicalOperator: "OR"},
		},
	})

	base := domain.AuthzRequest{
		Subject: "carol", Action: "complete_task", Resource: "task_9", ResourceType: "task",
		SubjectAttrs:  map[string]any{"department": "finance"},
		ResourceAttrs: map[string]any{"amount": 25000},
	}
	dec, err := d.Decide(context.Background(), base)
	require.NoError(t, err)
	assert.True(t, dec.Allowed())

	over := base
	over.Subject = "carol2"
	over.ResourceAttrs = map[string]any{"amount": 90000}
	dec, err = d.Decide(context.Background(), over)
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "amount group fails")

	orRescues := base
	orRescues.Subject = "dave"
	orRescues.SubjectAttrs = map[string]any{"department": "sales", "email": "dave@acme.test"}
	dec, err = d.Decide(context.Background(), orRescues)
	require.NoError(t, err)
	assert.True(t, dec.Allowed(), "OR within the dept group")
}

func TestStoredAttributesMergedUnderRequest(t *testing.T) {
	d, r, conn := newDecider(t)
	seedAttribute(t, r, conn, "alice", "clearance", "high")
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_clearance", Name: "clearance gate", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyABAC, Enabled: true,
		Conditions: []domain.Condition{
			{AttributePath: "subject.clearance", Operator: "eq", Value: "high"},
		},
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "read_document", Resource: "doc_5", ResourceType: "document",
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed(), "stored attribute applies")

	// Same cache key, flush to force re-evaluation.
	d.InvalidateAll()
	dec, err = d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "read_document", Resource: "doc_5", ResourceType: "document",
		SubjectAttrs: map[string]any{"clearance": "low"},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "request attribute wins over stored")
}

func TestHybridRequiresAllSections(t *testing.T) {
	d, r, conn := newDecider(t)
	seedRelationship(t, r, conn, domain.Relationship{
		Subject: "alice", Relation: "assignee", Object: "task_1", ObjectType: "task",
	})
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_hybrid", Name: "assigned signer in hours", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyHybrid, Enabled: true,
		Roles:         []string{"signer"},
		Relationships: []string{"assignee"},
		Conditions: []domain.Condition{
			{AttributePath: "env.business_hours", Operator: "eq", Value: true},
		},
	})

	req := domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
		EnvAttrs:     map[string]any{"business_hours": true},
	}
	dec, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, dec.Allowed())

	// Same cache key, flush to force re-evaluation.
	d.InvalidateAll()
	offHours := req
	offHours.EnvAttrs = map[string]any{"business_hours": false}
	dec, err = d.Decide(context.Background(), offHours)
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "condition section fails")

	unassigned := req
	unassigned.Resource = "task_2"
	dec, err = d.Decide(context.Background(), unassigned)
	require.NoError(t, err)
	assert.False(t, dec.Allowed(), "relationship section fails")
}

func TestDelegationDenyPolicy(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_delegation_guard", Name: "only approved delegators", Priority: 100,
		Effect: domain.EffectDeny, Type: domain.PolicyABAC, Enabled: true,
		Actions: []string{"delegate_task"},
		Conditions: []domain.Condition{
			{AttributePath: "subject.allowed_delegator", Operator: "neq", Value: true},
		},
	})
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_signer_delegate", Name: "signers delegate", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Actions: []string{"delegate_task"}, Roles: []string{"signer"},
	})

	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "mallory", Action: "delegate_task", Resource: "task_3", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed())
	require.NotEmpty(t, dec.MatchedPolicies)
	assert.Equal(t, "pol_delegation_guard", dec.MatchedPolicies[0].PolicyID)

	seedAttribute(t, r, conn, "trent", "allowed_delegator", true)
	dec, err = d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "trent", Action: "delegate_task", Resource: "task_3", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	})
	require.NoError(t, err)
	assert.True(t, dec.Allowed())
}

func TestDisabledPoliciesIgnored(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_off", Name: "disabled allow", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: false,
		Roles: []string{"signer"},
	})
	dec, err := d.Decide(context.Background(), domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	})
	require.NoError(t, err)
	assert.False(t, dec.Allowed())
}

func TestCacheHitAndInvalidation(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_signers", Name: "signers", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"signer"},
	})
	req := domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	}

	first, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Decision, second.Decision)

	d.InvalidateSubject("alice")
	third, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, third.FromCache)

	_, err = d.Decide(context.Background(), req)
	require.NoError(t, err)
	d.InvalidateResource("task_1")
	fourth, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, fourth.FromCache)
}

func TestDecisionDeterministic(t *testing.T) {
	d, r, conn := newDecider(t)
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_b", Name: "allow b", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"signer"},
	})
	seedPolicy(t, r, conn, domain.Policy{
		ID: "pol_a", Name: "allow a", Priority: 10,
		Effect: domain.EffectAllow, Type: domain.PolicyRBAC, Enabled: true,
		Roles: []string{"signer"},
	})
	req := domain.AuthzRequest{
		Subject: "alice", Action: "complete_task", Resource: "task_1", ResourceType: "task",
		SubjectAttrs: map[string]any{"roles": []string{"signer"}},
	}

	first, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	d.InvalidateAll()
	second, err := d.Decide(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.Decision, second.Decision)
	assert.Equal(t, first.Reason, second.Reason)
	assert.Equal(t, first.MatchedPolicies, second.MatchedPolicies)
	// Equal priority breaks ties by id.
	assert.Contains(t, first.Reason, "allow a")
}
