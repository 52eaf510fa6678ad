package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskmarket/internal/app"
	"taskmarket/internal/calc"
	"taskmarket/internal/config"
	"taskmarket/internal/db"
	"taskmarket/internal/domain"
	"taskmarket/internal/engine"
	"taskmarket/internal/engine/auth"
	"taskmarket/internal/logging"
	"taskmarket/internal/notify"
	"taskmarket/internal/repo"
	"taskmarket/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmarket CLI",
	Long: `Taskmarket runs the lifecycle of bounty tasks whose source of truth is an on-chain registry.
- Tasks: created with a complexity that fixes reward and exclusivity; status moves available -> claimed -> in_progress -> submitted -> validated -> completed.
- Claims: the claim authority signs an EIP-712 message, the registry records the claimant; exclusivity lasts 12h plus 12h per estimated day.
- Submissions: evidence (a pull request URL or proof hash) is validated on chain; a rejection leaves the claim in place.
- Completion: a validator completes the task and the reward is settled exactly once into the leaderboard.
- Reconcile: repairs the store from the registry after partial failures; anomalies are reported, never hidden.
Secrets come from the environment (.env is loaded): TASKMARKET_SIGNER_KEY, TASKMARKET_RELAYER_KEY, TASKMARKET_JWT_SECRET, TASKMARKET_REDIS_PASSWORD.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logging.Configure(viper.GetString("log-level"), viper.GetString("log-format"))
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	_ = godotenv.Load()
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
	viper.SetEnvPrefix("TASKMARKET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/taskmarket.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "", "acting address or operator id")
	rootCmd.PersistentFlags().String("log-level", "", "debug, info, warn or error")
	rootCmd.PersistentFlags().String("log-format", "", "text or json")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(collaboratorCmd())
	rootCmd.AddCommand(calcCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(signerCmd())
	rootCmd.AddCommand(rbacCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are identified by keccak256 of their key; commands accept either the key or the 0x id. Claim and submit act as --actor-id, which must be an address.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskGetCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskSubmitCmd())
	task.AddCommand(taskCompleteCmd())
	task.AddCommand(taskHistoryCmd())
	task.AddCommand(taskRemainingCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task on chain and in the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = actorOrSystem()
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermTaskCreate); err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Key, "key", "", "human-readable key; the id is derived from it")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Complexity, "complexity", 0, "complexity 1..255")
	cmd.Flags().StringVar(&opts.Platform, "platform", "", "platform, e.g. github")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority label")
	cmd.Flags().StringArrayVar(&opts.Skills, "skill", nil, "skill (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringArrayVar(&opts.Validators, "validator", nil, "validator address (repeatable)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("complexity")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Key", "Title", "Status", "Reward", "Days", "Assignee", "Remaining"})
				for _, t := range tasks {
					remaining := ""
					if left, ok := e.Remaining(t); ok {
						remaining = calc.FormatRemaining(left)
					}
					tw.AppendRow(table.Row{shortID(t.ID), t.Key, t.Title, t.Status, t.RewardAmount, t.EstimatedDays, t.Assignee(), remaining})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().BoolVar(&f.Open, "open", false, "only tasks that can be claimed now")
	cmd.Flags().StringVar(&f.Platform, "platform", "", "platform filter")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee", "", "assignee address filter")
	cmd.Flags().StringVar(&f.Sort, "sort", repo.SortNewest, "newest or reward")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func taskGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id|key>",
		Short: "Get task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, taskRef(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func taskClaimCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "claim <id|key>",
		Short: "Claim a task for --actor-id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			claimant, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				return printResult(e.ClaimTask(ctx, taskRef(args[0]), claimant))
			})
		},
	}
}

func taskSubmitCmd() *cobra.Command {
	var evidence string
	cmd := &cobra.Command{
		Use:   "submit <id|key>",
		Short: "Submit evidence for a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			submitter, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				return printResult(e.SubmitEvidence(ctx, taskRef(args[0]), submitter, evidence))
			})
		},
	}
	cmd.Flags().StringVar(&evidence, "evidence", "", "pull request URL or 0x proof hash")
	_ = cmd.MarkFlagRequired("evidence")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <id|key>",
		Short: "Complete a submitted task (validators only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				return printResult(e.CompleteTask(ctx, engine.CompleteRequest{TaskID: taskRef(args[0]), Actor: actor}))
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id|key>",
		Short: "Show the history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				items, err := e.TaskHistory(ctx, taskRef(args[0]))
				if err != nil {
					return err
				}
				return printHistory(items)
			})
		},
	}
}

func taskRemainingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remaining <id|key>",
		Short: "Exclusivity left for the current claimant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, taskRef(args[0]))
				if err != nil {
					return err
				}
				left, ok := e.Remaining(t)
				if !ok {
					return fmt.Errorf("task %s has no active claim", t.Key)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task_id": t.ID, "remaining": calc.FormatRemaining(left), "remaining_seconds": int64(left / time.Second)})
				}
				fmt.Println(calc.FormatRemaining(left))
				return nil
			})
		},
	}
}

func reviewCmd() *cobra.Command {
	rev := &cobra.Command{Use: "review", Short: "Validator reviews of submissions"}
	var timeout time.Duration
	var wait bool
	request := &cobra.Command{
		Use:   "request <id|key>",
		Short: "Request a validator review of a submission",
		Long:  "Opens a review and prints its id. With --wait the command blocks until a validator resolves it in this process or the timeout passes; otherwise resolve it later with review resolve.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				if timeout > 0 {
					e.Config.Claims.ReviewTimeout = timeout
				}
				if wait {
					return printResult(e.ReviewAndComplete(ctx, taskRef(args[0]), actor))
				}
				rev, _, err := e.OpenReview(ctx, taskRef(args[0]), actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(rev)
			})
		},
	}
	request.Flags().BoolVar(&wait, "wait", false, "block until the review is resolved")
	request.Flags().DurationVar(&timeout, "timeout", 0, "override claims.review_timeout")

	var approve bool
	var reason string
	resolve := &cobra.Command{
		Use:   "resolve <review-id>",
		Short: "Approve or reject a pending review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			actor, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				r, res, err := e.ResolveReview(ctx, args[0], engine.Verdict{Approved: approve, ValidatorID: actor, Reason: reason})
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"review": r, "result": res})
			})
		},
	}
	resolve.Flags().BoolVar(&approve, "approve", false, "approve the submission")
	resolve.Flags().StringVar(&reason, "reason", "", "reason recorded with the verdict")

	list := &cobra.Command{
		Use:   "list <id|key>",
		Short: "List reviews of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReviews(ctx, taskRef(args[0]))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	rev.AddCommand(request, resolve, list)
	return rev
}

func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile [id|key...]",
		Short: "Bring the store in line with the registry",
		Long:  "Without arguments every unsettled task is reconciled. Ids unknown to the store are imported from the registry.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermTaskReconcile); err != nil {
					return err
				}
				var rep engine.ReconcileReport
				if len(args) == 0 {
					var err error
					rep, err = e.ReconcileAll(ctx)
					if err != nil {
						return err
					}
				} else {
					for _, ref := range args {
						out, err := e.Reconcile(ctx, taskRef(ref))
						if err != nil {
							out.TaskID = taskRef(ref)
							out.Error = err.Error()
						}
						rep.Add(out)
					}
				}
				if viper.GetBool("json") {
					return printJSON(rep)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Action", "From", "To", "Anomaly", "Detail"})
				for _, o := range rep.Outcomes {
					detail := o.Reason
					if o.Error != "" {
						detail = o.Error
					}
					tw.AppendRow(table.Row{shortID(o.TaskID), o.Action, o.From, o.To, o.Anomaly, detail})
				}
				tw.AppendFooter(table.Row{fmt.Sprintf("checked %d", rep.Checked), fmt.Sprintf("changed %d", rep.Changed), fmt.Sprintf("settled %d", rep.Settled), "", fmt.Sprintf("anomalies %d", rep.Anomalies), fmt.Sprintf("failed %d", rep.Failed)})
				tw.Render()
				return nil
			})
		},
	}
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Collaborators by total reward",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				items, err := e.Leaderboard(ctx, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "Address", "Reward", "Completed", "In progress", "Rank"})
				for i, c := range items {
					tw.AppendRow(table.Row{i + 1, c.Address, c.TotalReward, c.TasksCompleted, c.TasksInProgress, c.Rank})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "rows")
	return cmd
}

func collaboratorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "collaborator <address>",
		Short: "Show collaborator stats",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				c, err := e.Collaborator(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func calcCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "calc <complexity>",
		Short: "Show days, reward and exclusivity for a complexity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			complexity, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid complexity %q", args[0])
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			c := cfg.Calculator()
			days := c.DaysForComplexity(complexity)
			return printJSONOrTable(map[string]any{
				"complexity":          complexity,
				"estimated_days":      days,
				"reward_amount":       c.RewardForDays(days),
				"claim_timeout_hours": c.ClaimTimeoutHours(days),
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect taskmarket.yml",
		Long:  "Config holds the reward table, claim timeouts, registry location, cache, event stream, webhooks and RBAC roles. Secrets stay in the environment.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default taskmarket.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	cfg.AddCommand(initCmd)
	return cfg
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "History across all tasks"}
	var n int
	var after int64
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show history entries after a cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				cursor := after
				if !cmd.Flags().Changed("after") {
					latest, err := e.Repo.LatestHistoryID(ctx)
					if err != nil {
						return err
					}
					cursor = latest - int64(n)
					if cursor < 0 {
						cursor = 0
					}
				}
				items, err := e.Repo.HistoryAfter(ctx, cursor, n)
				if err != nil {
					return err
				}
				return printHistory(items)
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of entries")
	tail.Flags().Int64Var(&after, "after", 0, "history id cursor")
	lg.AddCommand(tail)
	return lg
}

func eventsCmd() *cobra.Command {
	ev := &cobra.Command{Use: "events", Short: "Lifecycle event stream"}
	var group string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Follow lifecycle events from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.Kafka.Brokers) == 0 {
				return errors.New("kafka.brokers is not configured")
			}
			if group == "" {
				group = "tm-tail-" + uuid.NewString()[:8]
			}
			err = notify.Consume(cmd.Context(), cfg.Kafka.Brokers, cfg.Kafka.Topic, group, func(_ context.Context, ev notify.Event) error {
				if viper.GetBool("json") {
					return printJSON(ev)
				}
				fmt.Printf("%s %-26s %s %s %s\n", ev.Timestamp.Format(time.RFC3339), ev.Type, shortID(ev.TaskID), ev.Actor, ev.TxHash)
				return nil
			}, logging.GetLogger())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	tail.Flags().StringVar(&group, "group", "", "consumer group (default: a fresh group)")
	ev.AddCommand(tail)
	return ev
}

func signerCmd() *cobra.Command {
	sg := &cobra.Command{Use: "signer", Short: "Claim authority"}
	sg.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Check the signing key and EIP-712 domain against the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), true, func(ctx context.Context, e engine.Engine) error {
				sep, err := e.Signer.DomainSeparator()
				if err != nil {
					return err
				}
				out := map[string]any{"domain_separator": sep.Hex(), "domain_verified": true}
				if addr, err := e.Signer.Address(); err == nil {
					out["signer"] = strings.ToLower(addr.Hex())
				} else {
					out["signer_error"] = err.Error()
				}
				return printJSONOrTable(out)
			})
		},
	})
	return sg
}

func rbacCmd() *cobra.Command {
	rb := &cobra.Command{
		Use:   "rbac",
		Short: "Manage roles",
		Long:  "Roles and their permissions come from config (rbac.roles). Grants are stored per actor.",
	}
	var actor, role string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Grant a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				return e.Auth.Grant(ctx, actor, role)
			})
		},
	}
	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Revoke a role",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				return e.Auth.Revoke(ctx, actor, role)
			})
		},
	}
	for _, c := range []*cobra.Command{grant, revoke} {
		c.Flags().StringVar(&actor, "actor", "", "actor id or address")
		c.Flags().StringVar(&role, "role", "", "role id")
		_ = c.MarkFlagRequired("actor")
		_ = c.MarkFlagRequired("role")
	}
	whoami := &cobra.Command{
		Use:   "whoami",
		Short: "Roles and permissions of --actor-id",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				roles, err := e.Auth.ActorRoles(ctx, actorID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"actor_id": actorID, "roles": roles, "permissions": e.Auth.PermissionsFor(roles)})
			})
		},
	}
	bootstrap := &cobra.Command{
		Use:   "bootstrap",
		Short: "Grant admin to --actor-id when no admin exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			actorID, err := requireActor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				granted, err := app.BootstrapAdmin(ctx, e, actorID)
				if err != nil {
					return err
				}
				if !granted {
					return errors.New("an admin already exists; use rbac grant")
				}
				fmt.Println("admin granted to", actorID)
				return nil
			})
		},
	}
	rb.AddCommand(grant, revoke, whoami, bootstrap)
	return rb
}

func apiKeyCmd() *cobra.Command {
	ak := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				key, secret, err := e.Repo.IssueAPIKey(ctx, actor, name, time.Now())
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "actor_id": key.ActorID, "key": secret})
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	create.Flags().StringVar(&name, "name", "", "label")
	_ = create.MarkFlagRequired("actor")
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				keys, err := e.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	list.Flags().StringVar(&actor, "actor", "", "filter by actor")
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), false, func(ctx context.Context, e engine.Engine) error {
				if err := requirePermission(ctx, e, auth.PermRBACManage); err != nil {
					return err
				}
				return e.Repo.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	ak.AddCommand(create, list, del)
	return ak
}

func serveCmd() *cobra.Command {
	var addr, basePath, admin string
	var devLogin, noReconcile bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the reconcile loop",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.Close()
			e := a.Engine
			secrets := app.SecretsFromEnv()
			if secrets.JWTSecret == "" {
				return fmt.Errorf("%s is required for bearer auth", app.EnvJWTSecret)
			}
			if admin != "" {
				if granted, err := app.BootstrapAdmin(ctx, e, admin); err != nil {
					return err
				} else if granted {
					e.Log.WithField("actor_id", admin).Info("bootstrapped admin")
				}
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     server.AuthConfig{JWTSecret: secrets.JWTSecret, AllowDevLogin: devLogin, Logger: e.Log},
				Context:  ctx,
			})
			if err != nil {
				return err
			}
			if !noReconcile {
				go app.RunReconcileLoop(ctx, e)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving Taskmarket API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().StringVar(&admin, "bootstrap-admin", "", "grant admin to this actor if no admin exists")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose /auth/dev/login (local development only)")
	cmd.Flags().BoolVar(&noReconcile, "no-reconcile", false, "disable the periodic reconcile sweep")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	if path := viper.GetString("config"); path != "" {
		return config.FromFile(path)
	}
	return config.LoadOptional(viper.GetString("workspace"))
}

func openApp(ctx context.Context, readOnly bool) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Secrets:   app.SecretsFromEnv(),
		ReadOnly:  readOnly,
		Log:       logging.GetLogger(),
	})
}

// withEngine opens the workspace. Commands that write to the registry pass
// chain=true; the others run without dialing it.
func withEngine(ctx context.Context, chain bool, fn func(context.Context, engine.Engine) error) error {
	a, err := openApp(ctx, !chain)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func requireActor() (string, error) {
	actor := strings.TrimSpace(viper.GetString("actor-id"))
	if actor == "" {
		return "", errors.New("--actor-id (or TASKMARKET_ACTOR_ID) is required")
	}
	return actor, nil
}

func actorOrSystem() string {
	if actor := strings.TrimSpace(viper.GetString("actor-id")); actor != "" {
		return actor
	}
	return "cli"
}

// requirePermission checks perm for --actor-id. Before any admin exists the
// check is skipped so a fresh workspace can be set up.
func requirePermission(ctx context.Context, e engine.Engine, perm string) error {
	n, err := e.Repo.CountActorsWithRole(ctx, auth.RoleAdmin)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	actor, err := requireActor()
	if err != nil {
		return err
	}
	return e.Auth.Require(ctx, actor, perm)
}

// taskRef turns a key into its id; ids pass through.
func taskRef(ref string) string {
	ref = strings.TrimSpace(ref)
	if domain.ValidTaskID(strings.ToLower(ref)) {
		return strings.ToLower(ref)
	}
	return domain.TaskIDFromKey(ref)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:10] + "…"
	}
	return id
}

func printResult(res engine.Result) error {
	if viper.GetBool("json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		tw := table.NewWriter()
		tw.SetOutputMirror(os.Stdout)
		tw.AppendRow(table.Row{"success", res.Success})
		tw.AppendRow(table.Row{"state", res.State})
		if res.TxHash != "" {
			tw.AppendRow(table.Row{"tx", res.TxHash})
		}
		if res.Task != nil {
			tw.AppendRow(table.Row{"status", res.Task.Status})
		}
		if res.Warning != "" {
			tw.AppendRow(table.Row{"warning", res.Warning})
		}
		if !res.Success {
			tw.AppendRow(table.Row{"failed at", res.FailedAt})
			tw.AppendRow(table.Row{"kind", res.Kind})
			tw.AppendRow(table.Row{"code", res.Code})
			tw.AppendRow(table.Row{"retryable", res.Retryable})
		}
		tw.Render()
	}
	if !res.Success {
		return errors.New(res.Error)
	}
	return nil
}

func printHistory(items []domain.HistoryEntry) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Time", "Task", "Action", "Actor", "Tx"})
	for _, h := range items {
		tx, _ := h.Metadata["tx_hash"].(string)
		tw.AppendRow(table.Row{h.ID, h.TS, shortID(h.TaskID), h.Action, h.ActorID, shortID(tx)})
	}
	tw.Render()
	return nil
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
