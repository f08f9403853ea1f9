// forge is the command-line entrypoint for the agent runtime.
//
// Usage:
//
//	forge run "summarise the failing tests"          # one-shot agent run
//	forge run --session <id> "continue from there"   # resume a session
//	forge sessions list                              # list stored sessions
//	forge sessions delete <id>                       # delete a session
//	forge workflow run review.yaml --input pkg=core  # run a workflow file
//	forge workflow resume <workflow-id>              # re-run failed steps
//	forge workflow validate review.yaml              # check without running
//	forge doctor                                     # config sanity check
//
// Environment:
//
//	FORGE_CONFIG_DIR   - config root (default: <os user config>/forge)
//	FORGE_LLM_API_KEY  - provider API key
//	FORGE_DEBUG        - set to enable debug logging
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/container"
	"github.com/forgelabs/forge/internal/hooks"
	"github.com/forgelabs/forge/internal/permissions"
	"github.com/forgelabs/forge/internal/subagents"
	"github.com/forgelabs/forge/internal/workflow"
	"github.com/forgelabs/forge/pkg/models"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "forge",
		Short:        "Agent runtime with tools, sessions, and workflows",
		Long:         "forge runs LLM agents against a permissioned tool gateway,\nwith persistent sessions, sub-agents, and multi-step workflows.",
		Version:      fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildRunCmd(),
		buildSessionsCmd(),
		buildWorkflowCmd(),
		buildAgentsCmd(),
		buildDoctorCmd(),
	)

	return rootCmd
}

// newContainer loads config and wires the full runtime.
func newContainer() (*container.Container, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	return container.New(cfg, container.WithWorkingDir(wd))
}

func buildRunCmd() *cobra.Command {
	var (
		sessionID string
		yes       bool
	)
	cmd := &cobra.Command{
		Use:   "run [prompt...]",
		Short: "Run the agent on a prompt",
		Long:  "Run the agent loop on a prompt, streaming output to stdout.\nWith --session, the run continues an existing session.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamRun(cmd, sessionID, strings.Join(args, " "), yes)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session ID to continue")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve permission prompts without asking")
	return cmd
}

// streamRun starts an agent run and renders its event stream until the
// run finishes or the process is interrupted.
func streamRun(cmd *cobra.Command, sessionID, prompt string, yes bool) error {
	c, err := newContainer()
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sub := c.Events()
	defer sub.Close()

	run, session, err := c.Run(ctx, sessionID, prompt)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "session %s, run %s\n", session.ID, run.ID)

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	stdin := bufio.NewScanner(cmd.InOrStdin())
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub.C {
			switch e.Type {
			case models.EventLLMChunk:
				fmt.Fprint(out, e.Text)
			case models.EventToolStart:
				fmt.Fprintf(errOut, "\n[tool] %s\n", e.ToolName)
			case models.EventToolEnd:
				if e.Result != nil && e.Result.IsError {
					fmt.Fprintf(errOut, "[tool] %s failed: %s\n", e.ToolName, e.Result.Content)
				}
			case models.EventPermissionPrompt:
				answerPrompt(errOut, stdin, yes, e.Prompt)
			case models.EventWarning:
				fmt.Fprintf(errOut, "[warn] %s\n", e.Warning)
			case models.EventError:
				if e.Error != nil {
					fmt.Fprintf(errOut, "[error] %s\n", e.Error.Message)
				}
			case models.EventFinalMessage:
				fmt.Fprintln(out)
			}
		}
	}()

	runErr := run.Wait(ctx)
	if ctx.Err() != nil {
		run.Cancel()
	}
	sub.Close()
	<-done
	return runErr
}

// answerPrompt resolves an interactive permission prompt. A nil Reply
// channel means the prompt already timed out.
func answerPrompt(w io.Writer, stdin *bufio.Scanner, yes bool, p *models.PermissionPromptPayload) {
	if p == nil || p.Reply == nil {
		return
	}
	if yes {
		p.Reply <- true
		return
	}
	fmt.Fprintf(w, "\nallow tool %q? %s [y/N]: ", p.ToolName, p.Reason)
	allowed := false
	if stdin.Scan() {
		ans := strings.ToLower(strings.TrimSpace(stdin.Text()))
		allowed = ans == "y" || ans == "yes"
	}
	p.Reply <- allowed
}

func buildSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage stored sessions",
	}
	cmd.AddCommand(buildSessionsListCmd(), buildSessionsShowCmd(), buildSessionsResumeCmd(), buildSessionsDeleteCmd())
	return cmd
}

func buildSessionsResumeCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "resume [id] [prompt...]",
		Short: "Continue a stored session with a new prompt",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return streamRun(cmd, args[0], strings.Join(args[1:], " "), yes)
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Approve permission prompts without asking")
	return cmd
}

func buildSessionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			entries, err := c.Sessions().List()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tMESSAGES\tTOKENS\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					e.ID, e.Title, e.MessageCount, e.TotalTokens,
					e.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}

func buildSessionsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Print a session transcript",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			session, err := c.Sessions().Load(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "session %s (%s)\n\n", session.ID, session.Title)
			for _, msg := range session.Messages {
				fmt.Fprintf(out, "--- %s ---\n%s\n\n", msg.Role, msg.Content)
			}
			return nil
		},
	}
}

func buildSessionsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session and its backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			if err := c.Sessions().Delete(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted session %s\n", args[0])
			return nil
		},
	}
}

func buildWorkflowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run and inspect multi-step workflows",
	}
	cmd.AddCommand(buildWorkflowRunCmd(), buildWorkflowResumeCmd(), buildWorkflowValidateCmd())
	return cmd
}

// resolveWorkflowPath accepts either a path to a YAML file or a bare
// name resolved under the definitions directory.
func resolveWorkflowPath(cfg *config.Config, arg string) string {
	if _, err := os.Stat(arg); err == nil {
		return arg
	}
	name := arg
	if filepath.Ext(name) == "" {
		name += ".yaml"
	}
	return filepath.Join(cfg.WorkflowsDir(), name)
}

// parseInputs turns repeated --input key=value flags into a map.
func parseInputs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("bad --input %q, want key=value", pair)
		}
		inputs[key] = value
	}
	return inputs, nil
}

func buildWorkflowRunCmd() *cobra.Command {
	var inputPairs []string
	cmd := &cobra.Command{
		Use:   "run [file-or-name]",
		Short: "Run a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			def, err := workflow.ParseFile(resolveWorkflowPath(cfg, args[0]))
			if err != nil {
				return err
			}
			inputs, err := parseInputs(inputPairs)
			if err != nil {
				return err
			}

			c, err := newContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			state, err := c.RunWorkflow(ctx, def, inputs)
			if err != nil {
				return err
			}
			printWorkflowState(cmd, state)
			if state.Status != workflow.StatusCompleted {
				return fmt.Errorf("workflow %s ended %s", state.WorkflowID, state.Status)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&inputPairs, "input", "i", nil, "Workflow input as key=value (repeatable)")
	return cmd
}

func buildWorkflowResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume [workflow-id]",
		Short: "Resume a failed workflow, re-running only its failed steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newContainer()
			if err != nil {
				return err
			}
			defer c.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			state, err := c.ResumeWorkflow(ctx, args[0])
			if err != nil {
				return err
			}
			printWorkflowState(cmd, state)
			if state.Status != workflow.StatusCompleted {
				return fmt.Errorf("workflow %s ended %s", state.WorkflowID, state.Status)
			}
			return nil
		},
	}
}

// printWorkflowState writes a per-step summary in document order.
func printWorkflowState(cmd *cobra.Command, state *workflow.State) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "workflow %s: %s\n", state.WorkflowID, state.Status)
	for _, step := range state.Definition.Steps {
		res, ok := state.StepResults[step.ID]
		switch {
		case !ok:
			fmt.Fprintf(out, "  %-20s not run\n", step.ID)
		case res.Skipped:
			fmt.Fprintf(out, "  %-20s skipped\n", step.ID)
		case res.Success:
			fmt.Fprintf(out, "  %-20s ok (%.1fs)\n", step.ID, res.DurationSec)
		default:
			fmt.Fprintf(out, "  %-20s failed after %d attempts: %s\n", step.ID, res.Attempts, res.Error)
		}
	}
	if state.Error != "" {
		fmt.Fprintf(out, "error: %s\n", state.Error)
	}
}

func buildWorkflowValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file-or-name]",
		Short: "Validate a workflow definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			def, err := workflow.ParseFile(resolveWorkflowPath(cfg, args[0]))
			if err != nil {
				return err
			}
			types := subagents.BuiltinRegistry()
			order, err := workflow.Validate(def, workflow.TypeCheckerFunc(func(name string) bool {
				_, ok := types.Get(name)
				return ok
			}))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "workflow %q is valid (%d steps)\n", def.Name, len(def.Steps))
			fmt.Fprintf(out, "plan order: %s\n", strings.Join(order, " -> "))
			return nil
		},
	}
}

func buildAgentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List the built-in agent type presets",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := subagents.BuiltinRegistry()
			names := registry.Names()
			sort.Strings(names)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tTOOLS\tDESCRIPTION")
			for _, name := range names {
				def, _ := registry.Get(name)
				toolCount := "all"
				if def.Tools != nil {
					toolCount = fmt.Sprintf("%d", len(def.Tools))
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, toolCount, def.Description)
			}
			return w.Flush()
		},
	}
}

func buildDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and storage layout",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := false
			report := func(ok bool, format string, a ...any) {
				mark := "ok  "
				if !ok {
					mark = "FAIL"
					failed = true
				}
				fmt.Fprintf(out, "%s %s\n", mark, fmt.Sprintf(format, a...))
			}

			cfg, err := config.Load()
			if err != nil {
				report(false, "config: %v", err)
				return fmt.Errorf("doctor found problems")
			}
			report(true, "config dir: %s", cfg.ConfigDir)
			report(true, "provider: %s, model: %s", cfg.LLM.Provider, cfg.LLM.DefaultModel)

			// Presence only; the key itself is never printed.
			report(cfg.LLM.APIKey != "", "API key set (%s)", config.EnvAPIKey)

			if err := cfg.EnsureLayout(); err != nil {
				report(false, "storage layout: %v", err)
			} else {
				report(true, "storage layout under %s", cfg.ConfigDir)
			}

			if _, err := os.Stat(cfg.PermissionsPath()); err == nil {
				if _, err := permissions.LoadRules(cfg.PermissionsPath()); err != nil {
					report(false, "permissions.yaml: %v", err)
				} else {
					report(true, "permissions.yaml parses")
				}
			} else {
				report(true, "permissions.yaml absent, defaults apply")
			}

			if _, err := os.Stat(cfg.HooksPath()); err == nil {
				if _, err := hooks.LoadHooks(cfg.HooksPath()); err != nil {
					report(false, "hooks.yaml: %v", err)
				} else {
					report(true, "hooks.yaml parses")
				}
			} else {
				report(true, "hooks.yaml absent, no hooks registered")
			}

			if failed {
				return fmt.Errorf("doctor found problems")
			}
			return nil
		},
	}
}
