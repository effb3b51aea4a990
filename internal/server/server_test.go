package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/migrate"
	"signline/internal/ports"
)

type testServer struct {
	URL    string
	eng    engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

// newTestServer boots the full stack on a loopback listener. seedAllow
// installs the baseline allow policy; leave it off to observe the decision
// point's default deny.
func newTestServer(t *testing.T, seedAllow bool) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Default("org_1")
	// Deterministic trails: never sample an allow into the chain.
	cfg.Engine.AllowSampleRate = 1 << 20

	log := logrus.New()
	log.SetOutput(io.Discard)

	clock := ports.WallClock()
	e := engine.New(conn, cfg, log, engine.Ports{
		Store:    ports.NewMemoryStore(),
		TSA:      &ports.StaticTSA{Secret: []byte("test-secret"), Clock: clock},
		PKI:      &ports.StaticCertVerifier{Issuers: []string{"Qualified CA"}, Clock: clock},
		Notifier: ports.NewMemoryNotifier(),
		Invoker:  ports.NewStubInvoker(),
		Clock:    clock,
	})
	if seedAllow {
		_, err := e.PutPolicy(context.Background(), domain.Policy{
			Name:     "everyone",
			Priority: 1,
			Effect:   domain.EffectAllow,
			Type:     domain.PolicyABAC,
			Enabled:  true,
			Conditions: []domain.Condition{
				{AttributePath: "subject.id", Operator: "neq", Value: ""},
			},
		}, "admin")
		if err != nil {
			t.Fatalf("seed allow policy: %v", err)
		}
	}

	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: "test-jwt-secret", DevLogin: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		eng:    e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

// login mints a JWT through the dev endpoint and returns ready-made
// request headers.
func login(t *testing.T, srv *testServer, subject string, roles ...string) map[string]string {
	t.Helper()
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/dev/login", DevLoginRequest{
		Subject: subject,
		OrgID:   "org_1",
		Roles:   roles,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + out.Token}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, data []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env
}

func singleSignerWorkflow() CreateWorkflowRequest {
	return CreateWorkflowRequest{
		Name:  "nda-flow",
		OrgID: "org_1",
		Nodes: []domain.Node{
			{ID: "start", Kind: domain.NodeStart},
			{ID: "sign", Kind: domain.NodeSignature, Config: domain.NodeConfig{Assignee: &domain.AssigneeRef{ParticipantID: "p_alice"}}},
			{ID: "end", Kind: domain.NodeEnd},
		},
		Edges: []domain.Edge{
			{SourceID: "start", TargetID: "sign"},
			{SourceID: "sign", TargetID: "end"},
		},
	}
}

var aliceParticipant = domain.Participant{ID: "p_alice", Email: "alice@example.com", DisplayName: "Alice", Role: "signer"}

func startInstance(t *testing.T, srv *testServer, headers map[string]string) StartWorkflowResponse {
	t.Helper()
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows", singleSignerWorkflow(), headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create workflow status %d: %s", res.StatusCode, string(data))
	}
	var def domain.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		t.Fatalf("unmarshal definition: %v", err)
	}
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows/"+def.WorkflowID+"/start", StartWorkflowRequest{
		Participants: []domain.Participant{aliceParticipant},
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("start workflow status %d: %s", res.StatusCode, string(data))
	}
	var out StartWorkflowResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal start response: %v", err)
	}
	return out
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv := newTestServer(t, true)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %q", body["status"])
	}
}

func TestSigningFlowOverHTTP(t *testing.T) {
	srv := newTestServer(t, true)
	ops := login(t, srv, "u_ops")
	alice := login(t, srv, "p_alice")

	started := startInstance(t, srv, ops)
	if started.Instance.Status != domain.InstanceRunning {
		t.Fatalf("expected running instance, got %s", started.Instance.Status)
	}
	if len(started.Tasks) != 1 {
		t.Fatalf("expected 1 task, got %d", len(started.Tasks))
	}

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list tasks status %d: %s", res.StatusCode, string(data))
	}
	var page ListPage[domain.Task]
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal task page: %v", err)
	}
	if len(page.Items) != 1 {
		t.Fatalf("expected 1 task in alice's inbox, got %d", len(page.Items))
	}
	task := page.Items[0]
	if task.Status != domain.TaskPending {
		t.Fatalf("expected pending task, got %s", task.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", CompleteTaskRequest{
		Evidence: domain.Evidence{Signature: base64.StdEncoding.EncodeToString([]byte("alice-sig"))},
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete task status %d: %s", res.StatusCode, string(data))
	}
	var done CompleteTaskResponse
	if err := json.Unmarshal(data, &done); err != nil {
		t.Fatalf("unmarshal complete response: %v", err)
	}
	if done.Instance.Status != domain.InstanceCompleted {
		t.Fatalf("expected completed instance, got %s", done.Instance.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/instances/"+started.Instance.ID+"/audit", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit page status %d: %s", res.StatusCode, string(data))
	}
	var trail AuditPage
	if err := json.Unmarshal(data, &trail); err != nil {
		t.Fatalf("unmarshal audit page: %v", err)
	}
	if len(trail.Items) < 4 {
		t.Fatalf("expected at least 4 audit events, got %d", len(trail.Items))
	}
	if trail.Items[0].Action != "workflow_started" {
		t.Fatalf("expected workflow_started first, got %s", trail.Items[0].Action)
	}
	last := trail.Items[len(trail.Items)-1]
	if last.Action != "workflow_completed" {
		t.Fatalf("expected workflow_completed last, got %s", last.Action)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/instances/"+started.Instance.ID+"/audit/verify", nil, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("verify status %d: %s", res.StatusCode, string(data))
	}
	var verdict VerifyResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verify: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid chain, got error %q", verdict.Error)
	}
}

func TestRequestsRequireCredentials(t *testing.T) {
	srv := newTestServer(t, true)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("expected code unauthorized, got %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestPolicyDenyOverHTTP(t *testing.T) {
	srv := newTestServer(t, true)
	admin := login(t, srv, "u_admin", "admin")
	ops := login(t, srv, "u_ops")

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/authz/policies", PutPolicyRequest{
		Name:          "no-cancelling",
		Priority:      100,
		Effect:        domain.EffectDeny,
		Type:          domain.PolicyABAC,
		Enabled:       true,
		Actions:       []string{"workflow.cancel"},
		ResourceTypes: []string{"instance"},
		Conditions: []domain.Condition{
			{AttributePath: "subject.id", Operator: "neq", Value: ""},
		},
	}, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("put policy status %d: %s", res.StatusCode, string(data))
	}

	started := startInstance(t, srv, ops)
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/instances/"+started.Instance.ID+"/cancel", CancelWorkflowRequest{
		Reason: "changed our minds",
	}, ops)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "policy_forbids" {
		t.Fatalf("expected code policy_forbids, got %q", env.Error.Code)
	}
	if _, ok := env.Error.Details["matched_policies"]; !ok {
		t.Fatalf("expected matched_policies in details: %s", string(data))
	}
}

func TestPolicyAdminBootstrap(t *testing.T) {
	// No policies installed: the decision point denies everything, and only
	// the admin role can break the circle by installing the first one.
	srv := newTestServer(t, false)
	user := login(t, srv, "u_user")
	admin := login(t, srv, "u_admin", "admin")

	allowAll := PutPolicyRequest{
		Name:     "everyone",
		Priority: 1,
		Effect:   domain.EffectAllow,
		Type:     domain.PolicyABAC,
		Enabled:  true,
		Conditions: []domain.Condition{
			{AttributePath: "subject.id", Operator: "neq", Value: ""},
		},
	}

	res, data := doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/authz/policies", allowAll, user)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "forbidden" {
		t.Fatalf("expected code forbidden, got %q", env.Error.Code)
	}

	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/authz/policies", allowAll, admin)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected admin role to install first policy, got %d: %s", res.StatusCode, string(data))
	}

	// The fresh allow policy now reaches non-admins through the decision
	// point fallback.
	res, data = doJSON(t, srv.client, http.MethodPut, srv.URL+"/v1/authz/policies", allowAll, user)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected policy to open the gate, got %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	srv := newTestServer(t, true)
	admin := login(t, srv, "u_admin", "admin")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/auth/api-keys", CreateAPIKeyRequest{
		SubjectID: "svc_ci",
		Name:      "ci bot",
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("mint key status %d: %s", res.StatusCode, string(data))
	}
	var minted CreateAPIKeyResponse
	if err := json.Unmarshal(data, &minted); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if minted.Key == "" {
		t.Fatal("expected plaintext key in mint response")
	}
	if minted.Record.KeyHash == minted.Key {
		t.Fatal("stored hash must differ from the plaintext key")
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": minted.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with api key status %d: %s", res.StatusCode, string(data))
	}
	var me MeResponse
	if err := json.Unmarshal(data, &me); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if me.Subject != "svc_ci" || me.Source != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}

	res, data = doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": "sk_bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bogus key, got %d: %s", res.StatusCode, string(data))
	}
}

func TestErrorEnvelopeShapes(t *testing.T) {
	srv := newTestServer(t, true)
	ops := login(t, srv, "u_ops")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/tasks/t_missing", nil, ops)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	env := decodeError(t, data)
	if env.Error.Code != "not_found" {
		t.Fatalf("expected code not_found, got %q", env.Error.Code)
	}

	broken := singleSignerWorkflow()
	broken.Edges = broken.Edges[:1] // leaves "end" unreachable
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows", broken, ops)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for broken graph, got %d: %s", res.StatusCode, string(data))
	}
	env = decodeError(t, data)
	if env.Error.Code != "validation" {
		t.Fatalf("expected code validation, got %q", env.Error.Code)
	}
}

func TestValidateWorkflowEndpoint(t *testing.T) {
	srv := newTestServer(t, true)
	ops := login(t, srv, "u_ops")

	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows/validate", singleSignerWorkflow(), ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	var verdict VerifyResponse
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if !verdict.Valid {
		t.Fatalf("expected valid graph, got %q", verdict.Error)
	}

	broken := singleSignerWorkflow()
	broken.Edges = broken.Edges[:1] // leaves "end" unreachable
	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/workflows/validate", broken, ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("validate status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("unmarshal verdict: %v", err)
	}
	if verdict.Valid {
		t.Fatal("expected invalid graph verdict")
	}
	if verdict.Error == "" {
		t.Fatal("expected an explanation for the invalid graph")
	}
}

func TestAuditStreamReplaysAndCloses(t *testing.T) {
	srv := newTestServer(t, true)
	ops := login(t, srv, "u_ops")
	alice := login(t, srv, "p_alice")

	started := startInstance(t, srv, ops)
	task := started.Tasks[0]
	res, data := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/tasks/"+task.ID+"/complete", CompleteTaskRequest{
		Evidence: domain.Evidence{Signature: base64.StdEncoding.EncodeToString([]byte("alice-sig"))},
	}, alice)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete task status %d: %s", res.StatusCode, string(data))
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/instances/"+started.Instance.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	for k, v := range alice {
		req.Header.Set(k, v)
	}
	streamRes, err := srv.client.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer streamRes.Body.Close()
	if ct := streamRes.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected event stream, got %q", ct)
	}
	stream, err := io.ReadAll(streamRes.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(stream)
	if !strings.Contains(text, "event: workflow_started") {
		t.Fatalf("stream missing workflow_started: %s", text)
	}
	if !strings.Contains(text, "event: workflow_completed") {
		t.Fatalf("stream missing workflow_completed: %s", text)
	}
	if !strings.Contains(text, "event: done") {
		t.Fatalf("stream missing done marker: %s", text)
	}
}

func TestInstanceDetailAndCancel(t *testing.T) {
	srv := newTestServer(t, true)
	ops := login(t, srv, "u_ops")

	started := startInstance(t, srv, ops)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/instances/"+started.Instance.ID, nil, ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get instance status %d: %s", res.StatusCode, string(data))
	}
	var detail InstanceDetail
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("unmarshal detail: %v", err)
	}
	if len(detail.Tasks) != 1 || len(detail.Participants) != 1 {
		t.Fatalf("expected 1 task and 1 participant, got %d/%d", len(detail.Tasks), len(detail.Participants))
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/instances/"+started.Instance.ID+"/cancel", CancelWorkflowRequest{
		Reason: "superseded",
	}, ops)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status %d: %s", res.StatusCode, string(data))
	}
	var inst domain.WorkflowInstance
	if err := json.Unmarshal(data, &inst); err != nil {
		t.Fatalf("unmarshal instance: %v", err)
	}
	if inst.Status != domain.InstanceCancelled {
		t.Fatalf("expected cancelled, got %s", inst.Status)
	}

	res, data = doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/instances/"+started.Instance.ID+"/cancel", CancelWorkflowRequest{}, ops)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double cancel, got %d: %s", res.StatusCode, string(data))
	}
}
