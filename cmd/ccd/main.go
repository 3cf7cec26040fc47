package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"concord/internal/app"
	"concord/internal/capability"
	"concord/internal/config"
	"concord/internal/db"
	"concord/internal/domain"
	"concord/internal/engine"
	"concord/internal/migrate"
	"concord/internal/repo"
	"concord/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ccd",
	Short: "Concord CLI",
	Long: `Concord coordinates multi-party approval of document amendments.
A case carries a proposed change set through evaluation rounds: every party
evaluates the identical set, conflicts route through mediation with a bounded
number of rounds, sensitive changes pass a specialized review gate, and
accepted changes are merged into a final artifact. Every transition lands in
an append-only event log ('ccd log tail').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CONCORD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func caseCmd() *cobra.Command {
	c := &cobra.Command{Use: "case", Short: "Manage amendment cases"}
	c.AddCommand(caseInitiateCmd())
	c.AddCommand(caseListCmd())
	c.AddCommand(caseShowCmd())
	c.AddCommand(caseRunCmd())
	c.AddCommand(caseAdvanceCmd())
	c.AddCommand(caseCancelCmd())
	c.AddCommand(casePauseCmd())
	c.AddCommand(caseResumeCmd())
	c.AddCommand(caseResponsesCmd())
	c.AddCommand(caseAttemptsCmd())
	return c
}

// caseDefinition is the YAML shape 'ccd case initiate --file' reads.
type caseDefinition struct {
	ID               string  `yaml:"id"`
	DocumentRef      string  `yaml:"document_ref"`
	OriginalDocument string  `yaml:"original_document"`
	Deadline         *string `yaml:"deadline"`
	Parties          []struct {
		ID       string         `yaml:"id"`
		Provider string         `yaml:"provider"`
		Policy   map[string]any `yaml:"policy"`
	} `yaml:"parties"`
	Changes []struct {
		Name       string  `yaml:"name"`
		OldValue   string  `yaml:"old_value"`
		NewValue   string  `yaml:"new_value"`
		Category   string  `yaml:"category"`
		ValueDelta float64 `yaml:"value_delta"`
	} `yaml:"changes"`
}

func (d caseDefinition) toOptions() (engine.CaseCreateOptions, error) {
	opts := engine.CaseCreateOptions{
		ID:               d.ID,
		DocumentRef:      d.DocumentRef,
		OriginalDocument: d.OriginalDocument,
		Deadline:         d.Deadline,
	}
	for _, p := range d.Parties {
		policy := ""
		if p.Policy != nil {
			b, err := json.Marshal(p.Policy)
			if err != nil {
				return opts, fmt.Errorf("party %s policy: %w", p.ID, err)
			}
			policy = string(b)
		}
		opts.Parties = append(opts.Parties, domain.Party{ID: p.ID, Provider: p.Provider, PolicyJSON: policy})
	}
	for _, c := range d.Changes {
		opts.Changes = append(opts.Changes, domain.ChangeItem{
			Name:       c.Name,
			OldValue:   c.OldValue,
			NewValue:   c.NewValue,
			Category:   c.Category,
			ValueDelta: c.ValueDelta,
		})
	}
	return opts, nil
}

func caseInitiateCmd() *cobra.Command {
	var filePath string
	var run bool
	cmd := &cobra.Command{
		Use:   "initiate",
		Short: "Initiate a case from a YAML definition",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			var def caseDefinition
			if err := yaml.Unmarshal(data, &def); err != nil {
				return fmt.Errorf("invalid case definition: %w", err)
			}
			opts, err := def.toOptions()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.CreateCase(ctx, opts)
				if err != nil {
					return err
				}
				if run {
					c, err = e.Run(ctx, c.ID)
					if err != nil {
						return err
					}
				}
				return printCase(c)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to case definition YAML")
	cmd.Flags().BoolVar(&run, "run", false, "run the case to completion after initiating")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func caseListCmd() *cobra.Command {
	var f repo.CaseFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				cases, err := e.Repo.ListCases(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(cases)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Document", "State", "Round", "Progress"})
				for _, c := range cases {
					tw.AppendRow(table.Row{c.ID, c.DocumentRef, c.State, c.Round, fmt.Sprintf("%.0f%%", c.Progress())})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.State, "state", "", "state filter")
	cmd.Flags().StringVar(&f.DocumentRef, "document", "", "document ref filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max cases")
	return cmd
}

func caseShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Repo.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	return cmd
}

func caseRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run a case until it completes, fails, or parks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Run(ctx, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	return cmd
}

func caseAdvanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "advance <id>",
		Short: "Advance a case one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, advanced, err := e.Advance(ctx, args[0])
				if err != nil {
					return err
				}
				if !advanced && !viper.GetBool("json") {
					fmt.Printf("case %s holds at %s\n", c.ID, c.State)
				}
				return printCase(c)
			})
		},
	}
	return cmd
}

func caseCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Cancel(ctx, args[0], reason)
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

func casePauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause <id>",
		Short: "Pause a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Pause(ctx, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	return cmd
}

func caseResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a paused case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				c, err := e.Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return printCase(c)
			})
		},
	}
	return cmd
}

func caseResponsesCmd() *cobra.Command {
	var round int
	cmd := &cobra.Command{
		Use:   "responses <id>",
		Short: "List party responses for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				var (
					items []domain.PartyResponse
					err   error
				)
				if round > 0 {
					items, err = e.Repo.ListResponses(ctx, args[0], round)
				} else {
					items, err = e.Repo.ListAllResponses(ctx, args[0])
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Party", "Decision", "Synthesized", "At"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.Round, r.PartyID, r.Decision, r.Synthesized, r.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "restrict to one round")
	return cmd
}

func caseAttemptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attempts <id>",
		Short: "List negotiation attempts for a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				items, err := e.Repo.ListAttempts(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Round", "Outcome", "Next Round", "At"})
				for _, a := range items {
					next := ""
					if a.NextRound != nil {
						next = fmt.Sprintf("%d", *a.NextRound)
					}
					tw.AppendRow(table.Row{a.Round, a.Outcome, next, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Manage workflow config"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configImportCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the active workflow config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return printJSON(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import workflow config from YAML into the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.UpsertWorkflowConfig(ctx, cfg); err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default concord.yml to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var n int
	var caseID string
	var after int64
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.EventsAfter(ctx, n, after, caseID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Case", "From", "To", "Component"})
				for _, evt := range events {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.CaseID, evt.FromState, evt.ToState, evt.Component})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&caseID, "case", "", "case id filter")
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				server.StartWebhookDispatcher(ctx, e)
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Concord API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	r := repo.Repo{DB: conn}
	cfg, err := app.ResolveConfig(ctx, workspace, r)
	if err != nil {
		return err
	}
	caps := capability.NewSet(capability.SetOptions{
		Policy: capability.PolicyConfig{
			Weights:          cfg.PolicyProvider.Weights,
			ApproveThreshold: cfg.PolicyProvider.ApproveThreshold,
			RejectThreshold:  cfg.PolicyProvider.RejectThreshold,
		},
		MediatorEndpoint: cfg.Capabilities.Mediator,
		ReviewerEndpoint: cfg.Capabilities.Reviewer,
		MergerEndpoint:   cfg.Capabilities.Merger,
	})
	e := engine.New(conn, cfg, caps)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printCase(c domain.Case) error {
	if viper.GetBool("json") {
		return printJSON(c)
	}
	fmt.Printf("Case %s\n", c.ID)
	fmt.Printf("  document: %s\n", c.DocumentRef)
	fmt.Printf("  state:    %s (round %d, %.0f%%)\n", c.State, c.Round, c.Progress())
	if c.PausedFrom != "" {
		fmt.Printf("  paused from: %s\n", c.PausedFrom)
	}
	if c.ReviewVerdict != "" {
		fmt.Printf("  review:   %s\n", c.ReviewVerdict)
	}
	if c.FailureReason != "" {
		fmt.Printf("  failure:  %s (%s)\n", c.FailureReason, c.FailureDetail)
	}
	if c.ArtifactRef != "" {
		fmt.Printf("  artifact: %s (%s)\n", c.ArtifactRef, c.ArtifactHash)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
