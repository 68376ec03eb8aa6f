package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"flowboard/internal/audit"
	"flowboard/internal/db"
	"flowboard/internal/domain"
	"flowboard/internal/engine"
	"flowboard/internal/migrate"
	"flowboard/internal/registry"
	"flowboard/internal/repo"
	"flowboard/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fb",
	Short: "Flowboard CLI",
	Long: `Flowboard moves records through configurable kanban state machines.
Core concepts:
- Workspace: your .flowboard directory holding the database; kanban definitions load from YAML/JSON files.
- Kanban: a state-machine definition with states, prerequisites and transition policy lists.
- Process: one record flowing through a kanban's states; every move is recorded forever.
- Prerequisites: typed guards (field checks, elapsed time, external APIs, scripts) that warn but never block.
- Blocked/warned/recommended: the only transition policy lists; every pair not blocked is allowed.
- Auto-transitions: states can advance themselves when prerequisites are met or a timeout expires; timeout wins.
- Forced transitions: operator overrides with a mandatory justification, tagged in the history.
- Audit: an action stream plus the transition stream, merged into per-process timelines.`,
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
	viper.SetEnvPrefix("FLOWBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("definitions", "", "kanban definitions directory (default <workspace>/kanbans)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("definitions", rootCmd.PersistentFlags().Lookup("definitions"))
}

func registerCommands() {
	rootCmd.AddCommand(kanbanCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(transitionCmd())
	rootCmd.AddCommand(autoCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func definitionsDir() string {
	if dir := viper.GetString("definitions"); dir != "" {
		return dir
	}
	return filepath.Join(viper.GetString("workspace"), "kanbans")
}

func kanbanCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "kanban",
		Short: "Manage kanban definitions",
		Long:  "Kanban definitions are YAML or JSON state machines: states, prerequisites, auto-transition settings and the blocked/warned/recommended policy lists.",
	}
	k.AddCommand(kanbanListCmd())
	k.AddCommand(kanbanShowCmd())
	k.AddCommand(kanbanRegisterCmd())
	k.AddCommand(kanbanValidateCmd())
	k.AddCommand(kanbanDeleteCmd())
	k.AddCommand(kanbanReloadCmd())
	return k
}

func kanbanListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered kanbans",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items := e.Registry.List()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "States", "Blocked", "Warned"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, len(k.States), len(k.BlockedTransitions), len(k.WarnedTransitions)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func kanbanShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a kanban definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				k, ok := e.Registry.Get(args[0])
				if !ok {
					return fmt.Errorf("kanban %s not found", args[0])
				}
				return printJSONOrTable(k)
			})
		},
	}
	return cmd
}

func kanbanRegisterCmd() *cobra.Command {
	var filePath string
	var noPersist bool
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a kanban from a definition file",
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := registry.FromFile(filePath)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Registry.Register(ctx, k, !noPersist); err != nil {
					return err
				}
				return printJSONOrTable(k)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML/JSON definition")
	cmd.Flags().BoolVar(&noPersist, "no-persist", false, "register in memory only")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func kanbanValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a definition file without registering it",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := registry.FromFile(filePath)
			if viper.GetBool("json") {
				out := map[string]any{"valid": err == nil}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("definition OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML/JSON definition")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func kanbanDeleteCmd() *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Unregister a kanban",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Registry.Unregister(ctx, args[0], purge)
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "also remove the persisted definition")
	return cmd
}

func kanbanReloadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Re-scan the definitions directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.Registry.Reload(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"loaded": n})
				}
				fmt.Printf("loaded %d definition(s)\n", n)
				return nil
			})
		},
	}
	return cmd
}

func processCmd() *cobra.Command {
	p := &cobra.Command{
		Use:   "process",
		Short: "Manage processes",
		Long:  "Processes are the records moving through a kanban. They carry field values and metadata that prerequisites inspect, and an append-only transition history.",
	}
	p.AddCommand(processCreateCmd())
	p.AddCommand(processListCmd())
	p.AddCommand(processShowCmd())
	p.AddCommand(processSetCmd())
	p.AddCommand(processDeleteCmd())
	p.AddCommand(processSubmitCmd())
	return p
}

func processCreateCmd() *cobra.Command {
	var kanbanID, state, fieldsJSON, metaJSON string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a process",
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return fmt.Errorf("--fields-json: %w", err)
			}
			meta, err := parseJSONMap(metaJSON)
			if err != nil {
				return fmt.Errorf("--metadata-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProcess(ctx, engine.CreateOptions{
					KanbanID:     kanbanID,
					InitialState: state,
					FieldValues:  fields,
					Metadata:     meta,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "kanban id")
	cmd.Flags().StringVar(&state, "state", "", "explicit initial state (defaults to the definition's)")
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field values JSON object")
	cmd.Flags().StringVar(&metaJSON, "metadata-json", "", "metadata JSON object")
	_ = cmd.MarkFlagRequired("kanban")
	return cmd
}

func processSubmitCmd() *cobra.Command {
	var formID, valuesJSON string
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create a process from a form submission",
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseJSONMap(valuesJSON)
			if err != nil {
				return fmt.Errorf("--values-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateFromForm(ctx, formID, values, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&formID, "form", "", "form id")
	cmd.Flags().StringVar(&valuesJSON, "values-json", "", "submitted values JSON object")
	_ = cmd.MarkFlagRequired("form")
	_ = cmd.MarkFlagRequired("values-json")
	return cmd
}

func processListCmd() *cobra.Command {
	var kanbanID, field, value string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List processes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				procs, err := listProcesses(ctx, e, kanbanID, field, value)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(procs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kanban", "State", "Updated"})
				for _, p := range procs {
					tw.AppendRow(table.Row{p.ID, p.KanbanID, p.CurrentState, p.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "kanban filter")
	cmd.Flags().StringVar(&field, "field", "", "field name to match")
	cmd.Flags().StringVar(&value, "value", "", "field value to match")
	return cmd
}

func processShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a process with its history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func processSetCmd() *cobra.Command {
	var fieldsJSON string
	cmd := &cobra.Command{
		Use:   "set <id>",
		Short: "Merge values into the process field set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			values, err := parseJSONMap(fieldsJSON)
			if err != nil {
				return fmt.Errorf("--fields-json: %w", err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateFields(ctx, args[0], values, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&fieldsJSON, "fields-json", "", "field values JSON object")
	_ = cmd.MarkFlagRequired("fields-json")
	return cmd
}

func processDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProcess(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func transitionCmd() *cobra.Command {
	t := &cobra.Command{
		Use:   "transition",
		Short: "Move processes between states",
		Long:  "Transitions follow the open policy: any pair not blocked is allowed. Warned pairs ask for a justification, unmet prerequisites warn but never stop the move.",
	}
	t.AddCommand(transitionRunCmd())
	t.AddCommand(transitionValidateCmd())
	t.AddCommand(transitionAvailableCmd())
	t.AddCommand(transitionHistoryCmd())
	t.AddCommand(transitionForceCmd())
	return t
}

func transitionRunCmd() *cobra.Command {
	var to, justification string
	var force bool
	cmd := &cobra.Command{
		Use:   "run <process-id>",
		Short: "Execute a transition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.Execute(ctx, args[0], to, viper.GetString("actor-id"), justification, force)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&justification, "justification", "", "justification for warned transitions")
	cmd.Flags().BoolVar(&force, "force", false, "suppress warnings")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionValidateCmd() *cobra.Command {
	var to string
	cmd := &cobra.Command{
		Use:   "validate <process-id>",
		Short: "Dry-run a transition check",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proc, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e.Validate(ctx, proc, to))
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func transitionAvailableCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "available <process-id>",
		Short: "List annotated target states",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proc, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				out, err := e.AvailableTransitions(ctx, proc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"To", "Allowed", "Recommended", "Warned", "Prereqs met"})
				for _, at := range out {
					tw.AppendRow(table.Row{at.To, at.Allowed, at.Recommended, at.Warned, at.PrerequisitesMet})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func transitionHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <process-id>",
		Short: "Show the transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				recs, err := e.TransitionHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "From", "To", "By", "Anomaly"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.Timestamp, r.FromState, r.ToState, r.TriggeredBy, r.WasAnomaly})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func transitionForceCmd() *cobra.Command {
	var to, justification string
	var checkOnly bool
	cmd := &cobra.Command{
		Use:   "force <process-id>",
		Short: "Force a process into a state (justification required)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if checkOnly {
					proc, err := e.Repo.GetProcess(ctx, args[0])
					if err != nil {
						return err
					}
					return printJSONOrTable(e.CanForce(ctx, proc, to))
				}
				rec, err := e.ExecuteForced(ctx, args[0], to, viper.GetString("actor-id"), justification)
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "target state")
	cmd.Flags().StringVar(&justification, "justification", "", "mandatory justification")
	cmd.Flags().BoolVar(&checkOnly, "check", false, "only report whether the jump would be accepted")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func autoCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "auto",
		Short: "Automatic transitions",
		Long:  "States can advance on their own: when their prerequisites are met, or when a timeout expires (timeout wins). Cascades chain until nothing is eligible, bounded in depth.",
	}
	a.AddCommand(autoRunCmd())
	a.AddCommand(autoSweepCmd())
	a.AddCommand(autoEligibleCmd())
	a.AddCommand(autoDecisionCmd())
	return a
}

func autoRunCmd() *cobra.Command {
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "run <process-id>",
		Short: "Cascade automatic transitions for one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				executed, err := e.Cascade(ctx, args[0], maxDepth)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(executed)
				}
				if len(executed) == 0 {
					fmt.Println("nothing to do")
					return nil
				}
				for _, r := range executed {
					fmt.Printf("%s -> %s (%s)\n", r.FromState, r.ToState, r.Justification)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "cascade depth bound (engine default when 0)")
	return cmd
}

func autoSweepCmd() *cobra.Command {
	var kanbanID string
	var maxDepth int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Cascade automatic transitions for every process",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.ProcessAll(ctx, kanbanID, maxDepth)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "limit the sweep to one kanban")
	cmd.Flags().IntVar(&maxDepth, "max-depth", 0, "cascade depth bound (engine default when 0)")
	return cmd
}

func autoEligibleCmd() *cobra.Command {
	var kanbanID string
	cmd := &cobra.Command{
		Use:   "eligible",
		Short: "List processes with a pending automatic transition",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				out, err := e.Eligible(ctx, kanbanID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Process", "Kanban", "State", "Target", "Reason"})
				for _, p := range out {
					tw.AppendRow(table.Row{p.ProcessID, p.KanbanID, p.CurrentState, p.Target, p.Reason})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kanbanID, "kanban", "", "kanban filter")
	return cmd
}

func autoDecisionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decision <process-id>",
		Short: "Show the pending scheduler decision without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proc, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(e.DecideNext(ctx, proc))
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Audit streams",
		Long:  "Two append-only streams: actions (create/update/delete and transition shadows) and transitions. Timelines merge both per process; summary aggregates a date range.",
	}
	l.AddCommand(logActionsCmd())
	l.AddCommand(logTransitionsCmd())
	l.AddCommand(logTimelineCmd())
	l.AddCommand(logSummaryCmd())
	l.AddCommand(logMetricsCmd())
	return l
}

func logActionsCmd() *cobra.Command {
	var f audit.Filter
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Query the action stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				actions, err := e.Audit.Actions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Type", "Entity", "By"})
				for _, a := range actions {
					tw.AppendRow(table.Row{a.Timestamp, a.Type, a.EntityID, a.PerformedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", "", "action type filter")
	cmd.Flags().StringVar(&f.PerformedBy, "by", "", "actor filter")
	cmd.Flags().StringVar(&f.EntityID, "entity", "", "entity id filter")
	cmd.Flags().StringVar(&f.Since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&f.Until, "until", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&f.Limit, "n", 50, "maximum rows")
	return cmd
}

func logTransitionsCmd() *cobra.Command {
	var q repo.TransitionQuery
	cmd := &cobra.Command{
		Use:   "transitions",
		Short: "Query the transition stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if q.Limit <= 0 {
					q.Limit = 50
				}
				recs, err := e.Audit.Transitions(ctx, q)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(recs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"When", "Process", "From", "To", "By", "Anomaly"})
				for _, r := range recs {
					tw.AppendRow(table.Row{r.Timestamp, r.ProcessID, r.FromState, r.ToState, r.TriggeredBy, r.WasAnomaly})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&q.KanbanID, "kanban", "", "kanban filter")
	cmd.Flags().StringVar(&q.FromState, "from", "", "from-state filter")
	cmd.Flags().StringVar(&q.ToState, "to", "", "to-state filter")
	cmd.Flags().StringVar(&q.TriggeredBy, "by", "", "actor filter")
	cmd.Flags().BoolVar(&q.OnlyAnomalies, "anomalies", false, "anomalous transitions only")
	cmd.Flags().StringVar(&q.Since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&q.Until, "until", "", "RFC3339 upper bound")
	cmd.Flags().IntVar(&q.Limit, "n", 50, "maximum rows")
	return cmd
}

func logTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <process-id>",
		Short: "Merged action and transition view for one process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if _, err := e.Repo.GetProcess(ctx, args[0]); err != nil {
					return err
				}
				entries, err := e.Audit.Timeline(ctx, args[0], true, true)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				for _, entry := range entries {
					switch entry.Kind {
					case "transition":
						fmt.Printf("%s  transition  %s -> %s (%s)\n", entry.Timestamp, entry.Transition.FromState, entry.Transition.ToState, entry.Transition.TriggeredBy)
					case "action":
						fmt.Printf("%s  %s  %s\n", entry.Timestamp, entry.Action.Type, entry.Action.Description)
					}
				}
				return nil
			})
		},
	}
	return cmd
}

func logSummaryCmd() *cobra.Command {
	var since, until string
	cmd := &cobra.Command{
		Use:   "summary",
		Short: "Aggregate both streams over a date range",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.Audit.Summary(ctx, since, until)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "RFC3339 lower bound")
	cmd.Flags().StringVar(&until, "until", "", "RFC3339 upper bound")
	return cmd
}

func logMetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <process-id>",
		Short: "Residence time per visited state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				proc, err := e.Repo.GetProcess(ctx, args[0])
				if err != nil {
					return err
				}
				metrics, err := e.Audit.StateMetrics(ctx, proc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(metrics)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Seconds", "Visits"})
				for _, m := range metrics {
					tw.AppendRow(table.Row{m.State, fmt.Sprintf("%.0f", m.Seconds), m.Visits})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{JWTSecret: os.Getenv("FLOWBOARD_JWT_SECRET")}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				mode := "bearer auth"
				if authCfg.JWTSecret == "" {
					mode = "local mode, no auth"
				}
				fmt.Printf("Serving Flowboard API on http://%s%s (%s, OpenAPI at %s/openapi.json)\n", addr, basePath, mode, basePath)
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

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
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
	reg := registry.New(r, nil)
	if _, err := reg.Load(definitionsDir()); err != nil {
		return err
	}
	if err := reg.LoadStored(ctx); err != nil {
		return err
	}
	e := engine.New(conn, reg)
	e.Eval.ScriptDir = workspace
	return fn(ctx, e)
}

func listProcesses(ctx context.Context, e engine.Engine, kanbanID, field, value string) ([]domain.Process, error) {
	if field != "" {
		return e.Repo.FindProcessesByField(ctx, field, value)
	}
	return e.Repo.ListProcesses(ctx, kanbanID)
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

func parseJSONMap(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	return m, nil
}
