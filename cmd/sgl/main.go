package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"signline/internal/app"
	"signline/internal/config"
	"signline/internal/db"
	"signline/internal/domain"
	"signline/internal/engine"
	"signline/internal/repo"
	"signline/internal/scheduler"
	"signline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "sgl",
	Short: "Signline CLI",
	Long: `Signline coordinates signing ceremonies: a definition describes the route a
document takes (who signs, who approves, what runs in between) and the engine
walks instances of that route one task at a time.

Core concepts:
- Workspace: a directory holding signline.yml plus the .signline state (SQLite database and blob store).
- Definition: a versioned DAG of nodes (signature, approval, gateways, timers, service tasks) connected by edges.
- Instance: one run of a definition with its own participants, documents and variables.
- Task: a unit of human or machine work; completing it takes whatever evidence its node demands (signature, MFA, timestamp token, certificate).
- Policy: the decision point's rule set (RBAC, ReBAC and ABAC combined); sensitive actions ask it before they run.
- Audit: a per-instance hash chain recording every transition; check it with 'sgl audit verify'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if _, err := db.EnsureWorkspace(viper.GetString("workspace")); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("SIGNLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-admin", "actor identifier recorded in the audit chain")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(loginCmd())
	rootCmd.AddCommand(definitionCmd())
	rootCmd.AddCommand(workflowCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(relationshipCmd())
	rootCmd.AddCommand(attrCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(keysCmd())
}

func initCmd() *cobra.Command {
	var orgID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default signline.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(orgID)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&orgID, "org", "org_default", "organization id")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if secret := viper.GetString("jwt-secret"); secret != "" {
				cfg.Server.JWTSecret = secret
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("no JWT secret: set server.jwt_secret in %s or SIGNLINE_JWT_SECRET", config.Path(workspace))
			}
			a, err := app.New(cmd.Context(), cfg, app.Options{Workspace: workspace, DevLogin: devLogin})
			if err != nil {
				return err
			}
			defer a.Close()
			a.Start(cmd.Context())

			if addr == "" {
				addr = fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			}
			srv := &http.Server{Addr: addr, Handler: a.Handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Signline API on http://%s/v1\n", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.host:port)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the unauthenticated dev token endpoint (local use only)")
	return cmd
}

func loginCmd() *cobra.Command {
	login := &cobra.Command{Use: "login", Short: "Token helpers"}
	login.AddCommand(loginDevTokenCmd())
	return login
}

func loginDevTokenCmd() *cobra.Command {
	var subject, org string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "dev-token",
		Short: "Mint a bearer token signed with the workspace secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			secret := cfg.Server.JWTSecret
			if s := viper.GetString("jwt-secret"); s != "" {
				secret = s
			}
			if subject == "" {
				subject = viper.GetString("actor")
			}
			if org == "" {
				org = cfg.Org.ID
			}
			if ttl <= 0 {
				ttl = cfg.TokenTTL()
			}
			token, err := server.SignToken(secret, subject, org, roles, ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (defaults to --actor)")
	cmd.Flags().StringVar(&org, "org", "", "org claim (defaults to the config org)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "role claim (repeatable; 'admin' opens the policy endpoints)")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to server.token_ttl)")
	return cmd
}

func definitionCmd() *cobra.Command {
	def := &cobra.Command{
		Use:   "definition",
		Short: "Manage workflow definitions",
		Long:  "Definitions are versioned DAGs. Author them in YAML or JSON and store them with 'create'; every create of the same workflow id makes a new immutable version.",
	}
	def.AddCommand(definitionCreateCmd())
	def.AddCommand(definitionListCmd())
	def.AddCommand(definitionShowCmd())
	def.AddCommand(definitionValidateCmd())
	return def
}

func definitionCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Store a new definition version",
		RunE: func(cmd *cobra.Command, args []string) error {
			var def domain.WorkflowDefinition
			if err := decodeFile(file, &def); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateDefinition(ctx, def, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func definitionListCmd() *cobra.Command {
	var f repo.DefinitionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.Repo.ListDefinitions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Workflow", "Version", "Name", "Nodes", "Created"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.WorkflowID, d.Version, d.Name, len(d.Nodes), d.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id filter")
	cmd.Flags().StringVar(&f.OrgID, "org", "", "org filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func definitionShowCmd() *cobra.Command {
	var version int
	cmd := &cobra.Command{
		Use:   "show <workflow-id>",
		Short: "Show a definition (latest version unless --version)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				def, err := e.Repo.GetDefinition(ctx, args[0], version)
				if err != nil {
					return err
				}
				return printJSONOrTable(def)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "definition version (0 for latest)")
	return cmd
}

func definitionValidateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a definition file without storing it",
		RunE: func(cmd *cobra.Command, args []string) error {
			var def domain.WorkflowDefinition
			if err := decodeFile(file, &def); err != nil {
				return err
			}
			var verr error
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				verr = e.ValidateDefinition(def)
				return nil
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				out := map[string]any{"valid": verr == nil}
				if verr != nil {
					out["error"] = verr.Error()
				}
				return printJSON(out)
			}
			if verr != nil {
				return verr
			}
			fmt.Println("definition OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "definition file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect workflow instances",
	}
	wf.AddCommand(workflowStartCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowShowCmd())
	wf.AddCommand(workflowCancelCmd())
	return wf
}

func workflowStartCmd() *cobra.Command {
	var version int
	var ctxFile, ctxJSON string
	cmd := &cobra.Command{
		Use:   "start <workflow-id>",
		Short: "Start an instance of a stored definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var sc domain.StartContext
			if err := decodeInput(ctxJSON, ctxFile, &sc); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.StartWorkflow(ctx, args[0], version, sc, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().IntVar(&version, "version", 0, "definition version (0 for latest)")
	cmd.Flags().StringVar(&ctxFile, "context-file", "", "start context file with participants, documents and variables")
	cmd.Flags().StringVar(&ctxJSON, "context-json", "", "start context as inline JSON")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var f repo.InstanceFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListInstances(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Workflow", "Status", "Current", "Started"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.ID, fmt.Sprintf("%s@v%d", it.WorkflowID, it.WorkflowVersion), it.Status, strings.Join(it.CurrentNodes, ","), it.StartedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.WorkflowID, "workflow", "", "workflow id filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (running, completed, failed, cancelled, expired)")
	cmd.Flags().StringVar(&f.OrgID, "org", "", "org filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func workflowShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show an instance with its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, tasks, err := e.GetWorkflow(ctx, args[0], viper.GetString("actor"))
				if err != nil {
					return err
				}
				summary, err := e.Repo.CountTasksByStatus(ctx, inst.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(struct {
					Instance    domain.WorkflowInstance `json:"instance"`
					Tasks       []domain.Task           `json:"tasks"`
					TaskSummary map[string]int          `json:"task_summary"`
				}{inst, tasks, summary})
			})
		},
	}
	return cmd
}

func workflowCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				inst, err := e.CancelWorkflow(ctx, args[0], reason, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(inst)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Work on tasks",
		Long:  "Tasks move waiting -> pending -> completed (or expire, fail, get delegated). Completing one submits evidence; what counts as enough is the node's requirements plus the decision point's say.",
	}
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskDelegateCmd())
	task.AddCommand(taskRemindCmd())
	return task
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var assignee string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var tasks []domain.Task
				var err error
				if f.InstanceID != "" {
					tasks, err = e.Repo.ListTasks(ctx, f)
				} else {
					who := assignee
					if who == "" {
						who = viper.GetString("actor")
					}
					tasks, err = e.ListUserTasks(ctx, who, f, viper.GetString("actor"))
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Instance", "Kind", "Status", "Assignee", "Due"})
				for _, t := range tasks {
					who := t.Assignee.ParticipantID
					if who == "" {
						who = t.Assignee.Email
					}
					tw.AppendRow(table.Row{t.ID, t.InstanceID, t.Kind, t.Status, who, deref(t.DueAt)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee participant id (defaults to --actor)")
	cmd.Flags().StringVar(&f.InstanceID, "instance", "", "list every task of one instance instead")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.DueBefore, "due-before", "", "RFC3339 upper bound on due date")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 for all)")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var evFile, evJSON, outcome string
	var timestamp bool
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a task with evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ev *domain.Evidence
			if evFile != "" || evJSON != "" {
				ev = &domain.Evidence{}
				if err := decodeInput(evJSON, evFile, ev); err != nil {
					return err
				}
			}
			if outcome != "" {
				if ev == nil {
					ev = &domain.Evidence{}
				}
				ev.Outcome = outcome
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if timestamp {
					if ev == nil {
						ev = &domain.Evidence{}
					}
					token, err := stampEvidence(ctx, e, ev)
					if err != nil {
						return err
					}
					ev.TimestampToken = token
				}
				res, err := e.CompleteTask(ctx, args[0], ev, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&evFile, "evidence-file", "", "evidence file (YAML or JSON)")
	cmd.Flags().StringVar(&evJSON, "evidence-json", "", "evidence as inline JSON")
	cmd.Flags().StringVar(&outcome, "outcome", "", "approval outcome shortcut (approved, rejected)")
	cmd.Flags().BoolVar(&timestamp, "timestamp", false, "obtain a timestamp token over the evidence from the workspace TSA")
	return cmd
}

// stampEvidence asks the workspace TSA for a token covering the digest
// the engine will record for this evidence.
func stampEvidence(ctx context.Context, e engine.Engine, ev *domain.Evidence) (string, error) {
	sum, _, err := scheduler.EvidenceDigest(ev)
	if err != nil {
		return "", err
	}
	token, err := e.Sched.TSA.Timestamp(ctx, sum)
	if err != nil {
		return "", fmt.Errorf("timestamp evidence: %w", err)
	}
	return base64.StdEncoding.EncodeToString(token), nil
}

func taskDelegateCmd() *cobra.Command {
	var to domain.Participant
	cmd := &cobra.Command{
		Use:   "delegate <task-id>",
		Short: "Hand a task to another participant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DelegateTask(ctx, args[0], to, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&to.ID, "to-id", "", "delegate participant id")
	cmd.Flags().StringVar(&to.Email, "to-email", "", "delegate email")
	cmd.Flags().StringVar(&to.DisplayName, "to-name", "", "delegate display name")
	cmd.Flags().StringVar(&to.Role, "to-role", "", "delegate role")
	_ = cmd.MarkFlagRequired("to-id")
	return cmd
}

func taskRemindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind <task-id>",
		Short: "Send a reminder for a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemindTask(ctx, args[0])
			})
		},
	}
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{
		Use:   "policy",
		Short: "Manage decision-point policies",
		Long:  "Policies rule on every sensitive action. No policy matching a request means deny, so a fresh workspace needs 'sgl policy bootstrap' (or a put) before anyone can start workflows.",
	}
	pol.AddCommand(policyPutCmd())
	pol.AddCommand(policyListCmd())
	pol.AddCommand(policyShowCmd())
	pol.AddCommand(policyEnableCmd(true))
	pol.AddCommand(policyEnableCmd(false))
	pol.AddCommand(policyDeleteCmd())
	pol.AddCommand(policyBootstrapCmd())
	return pol
}

func policyPutCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put",
		Short: "Create or replace a policy",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p domain.Policy
			if err := decodeFile(file, &p); err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				saved, err := e.PutPolicy(ctx, p, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "policy file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func policyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List policies in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListPolicies(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Effect", "Type", "Priority", "Enabled"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Effect, p.Type, p.Priority, p.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func policyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <policy-id>",
		Short: "Show one policy with its full rule set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetPolicy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func policyEnableCmd(enable bool) *cobra.Command {
	use, short := "enable <policy-id>", "Enable a policy"
	if !enable {
		use, short = "disable <policy-id>", "Disable a policy without deleting it"
	}
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.SetPolicyEnabled(ctx, args[0], enable, viper.GetString("actor"))
			})
		},
	}
	return cmd
}

func policyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <policy-id>",
		Short: "Delete a policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeletePolicy(ctx, args[0], viper.GetString("actor"))
			})
		},
	}
	return cmd
}

func policyBootstrapCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed a full-access policy for one subject (dev only)",
		Long:  "The decision point denies by default, so a fresh workspace has no one who may start workflows. Bootstrap writes a high-priority allow policy scoped to a single subject, who can then install real policies.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.PutPolicy(ctx, domain.Policy{
					Name:     "bootstrap " + subject,
					Priority: 1000,
					Effect:   domain.EffectAllow,
					Type:     domain.PolicyABAC,
					Enabled:  true,
					Conditions: []domain.Condition{{
						AttributePath: "subject.id",
						Operator:      "eq",
						Value:         subject,
					}},
				}, viper.GetString("actor"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id to grant full access")
	return cmd
}

func relationshipCmd() *cobra.Command {
	rel := &cobra.Command{
		Use:   "relationship",
		Short: "Manage ReBAC relationship tuples",
	}
	rel.AddCommand(relationshipAddCmd())
	rel.AddCommand(relationshipRemoveCmd())
	rel.AddCommand(relationshipListCmd())
	return rel
}

func relationshipFlags(cmd *cobra.Command, rel *domain.Relationship) {
	cmd.Flags().StringVar(&rel.Subject, "subject", "", "subject id")
	cmd.Flags().StringVar(&rel.Relation, "relation", "", "relation (owner, delegate_of, manager_of, ...)")
	cmd.Flags().StringVar(&rel.Object, "object", "", "object id")
	cmd.Flags().StringVar(&rel.ObjectType, "object-type", "", "object type (instance, workflow, ...)")
	_ = cmd.MarkFlagRequired("subject")
	_ = cmd.MarkFlagRequired("relation")
	_ = cmd.MarkFlagRequired("object")
	_ = cmd.MarkFlagRequired("object-type")
}

func relationshipAddCmd() *cobra.Command {
	var rel domain.Relationship
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a relationship tuple",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AddRelationship(ctx, rel)
			})
		},
	}
	relationshipFlags(cmd, &rel)
	return cmd
}

func relationshipRemoveCmd() *cobra.Command {
	var rel domain.Relationship
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Remove a relationship tuple",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RemoveRelationship(ctx, rel)
			})
		},
	}
	relationshipFlags(cmd, &rel)
	return cmd
}

func relationshipListCmd() *cobra.Command {
	var subject, object, objectType string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List relationships by subject or by object",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var (
					items []domain.Relationship
					err   error
				)
				switch {
				case subject != "":
					items, err = e.Repo.ListRelationshipsBySubject(ctx, subject)
				case object != "" && objectType != "":
					items, err = e.Repo.ListRelationshipsByObject(ctx, object, objectType)
				default:
					return fmt.Errorf("--subject or --object with --object-type required")
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Subject", "Relation", "Object", "Type"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Subject, r.Relation, r.Object, r.ObjectType})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject id")
	cmd.Flags().StringVar(&object, "object", "", "object id")
	cmd.Flags().StringVar(&objectType, "object-type", "", "object type, with --object")
	return cmd
}

func attrCmd() *cobra.Command {
	attr := &cobra.Command{
		Use:   "attr",
		Short: "Manage ABAC attributes",
	}
	attr.AddCommand(attrSetCmd())
	attr.AddCommand(attrListCmd())
	attr.AddCommand(attrDeleteCmd())
	return attr
}

func attrSetCmd() *cobra.Command {
	var valueJSON string
	cmd := &cobra.Command{
		Use:   "set <entity-id> <key>",
		Short: "Set an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var value any
			if err := json.Unmarshal([]byte(valueJSON), &value); err != nil {
				return fmt.Errorf("--value-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.PutAttribute(ctx, domain.Attribute{EntityID: args[0], Key: args[1], Value: value})
			})
		},
	}
	cmd.Flags().StringVar(&valueJSON, "value-json", "", `attribute value as JSON (e.g. '"legal"', '42', 'true')`)
	_ = cmd.MarkFlagRequired("value-json")
	return cmd
}

func attrListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list <entity-id>",
		Short: "List an entity's attributes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				attrs, err := e.Repo.EntityAttributes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(attrs)
			})
		},
	}
	return cmd
}

func attrDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <entity-id> <key>",
		Short: "Delete an attribute",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAttribute(ctx, args[0], args[1])
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{
		Use:   "audit",
		Short: "Inspect and verify audit chains",
	}
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditVerifyCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail <instance-id>",
		Short: "Show an instance's latest audit events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Audit.Tail(ctx, args[0], n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "TS", "Actor", "Action", "Task", "Hash"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.Seq, ev.TS, ev.Actor, ev.Action, deref(ev.TaskID), short(ev.Hash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify <instance-id>",
		Short: "Recompute an instance's hash chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var verr error
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				verr = e.VerifyAudit(ctx, args[0])
				return nil
			})
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				out := map[string]any{"valid": verr == nil}
				if verr != nil {
					out["error"] = verr.Error()
				}
				return printJSON(out)
			}
			if verr != nil {
				return verr
			}
			fmt.Println("audit chain OK")
			return nil
		},
	}
	return cmd
}

func keysCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Manage API keys",
	}
	keys.AddCommand(keysCreateCmd())
	keys.AddCommand(keysListCmd())
	keys.AddCommand(keysRevokeCmd())
	return keys
}

func keysCreateCmd() *cobra.Command {
	var subject, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key (the secret is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if subject == "" {
				return fmt.Errorf("--subject required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, rec, err := e.CreateAPIKey(ctx, subject, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"key": key, "record": rec})
				}
				fmt.Printf("API key for %s (store it now; only its hash is kept):\n%s\n", rec.SubjectID, key)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "subject the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	return cmd
}

func keysListCmd() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes, never secrets)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListAPIKeys(ctx, subject)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Subject", "Name", "Hash", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.SubjectID, k.Name, short(k.KeyHash), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "filter by subject")
	return cmd
}

func keysRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, cfg, app.Options{Workspace: workspace})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

// decodeFile reads a YAML or JSON document into a json-tagged struct. YAML
// is a JSON superset, so .json files take the same path.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := decodeDoc(data, out); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func decodeInput(inline, file string, out any) error {
	if inline != "" && file != "" {
		return fmt.Errorf("pass inline JSON or a file, not both")
	}
	if inline != "" {
		return decodeDoc([]byte(inline), out)
	}
	if file != "" {
		return decodeFile(file, out)
	}
	return nil
}

// decodeDoc bridges YAML into the json-tagged domain structs: unmarshal
// generically, remarshal as JSON, decode strictly.
func decodeDoc(data []byte, out any) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	bridge, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(bridge, out)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func short(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
