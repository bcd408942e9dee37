package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/githubnext/xchecker/pkg/llm"
	"github.com/githubnext/xchecker/pkg/logger"
	"github.com/githubnext/xchecker/pkg/orchestrator"
	"github.com/githubnext/xchecker/pkg/packet"
	"github.com/githubnext/xchecker/pkg/phase"
	"github.com/githubnext/xchecker/pkg/redact"
	"github.com/githubnext/xchecker/pkg/xcerr"
	"github.com/githubnext/xchecker/pkg/xconfig"
	"github.com/githubnext/xchecker/pkg/xcpaths"
)

var log = logger.New("cmd")

var (
	phaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "xchecker",
		Name:      "phase_duration_seconds",
		Help:      "Wall-clock duration of one run_phase invocation, by phase and outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"phase", "outcome"})

	phaseTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "xchecker",
		Name:      "phase_total",
		Help:      "Count of run_phase invocations, by phase and exit_code.",
	}, []string{"phase", "exit_code"})
)

func init() {
	prometheus.MustRegister(phaseDuration, phaseTotal)
}

func newRunCmd() *cobra.Command {
	var dryRun bool
	var strict bool
	var prompt string
	var timeoutSeconds int

	cmd := &cobra.Command{
		Use:   "run <phase> <spec-id>",
		Short: "Run one phase of a spec's pipeline",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			// A bad phase name fails before xcpaths.Discover/xconfig.Discover
			// run, so there is no resolved home directory yet to scope a
			// receipt under — same narrow exception as orchestrator.RunPhase's
			// pre-ValidSpecID check, for the same reason: nothing safe to
			// write to.
			ph, err := phase.Parse(args[0])
			if err != nil {
				return &xcerr.CLIArgsError{Reason: err.Error()}
			}
			specID := args[1]

			home, _ := cmd.Flags().GetString("home")
			configPath, _ := cmd.Flags().GetString("config")

			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			cfgVal, err := xconfig.Discover(wd, configPath, nil)
			if err != nil {
				return err
			}

			paths, err := xcpaths.Discover(home)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			log.Printf("run %s: phase=%s spec=%s", runID, ph, specID)

			var backend llm.Backend
			if dryRun {
				backend = llm.DryRunBackend{}
			} else {
				backend = &llm.SubprocessBackend{BinaryPath: cfgVal.ClaudeBinaryPath()}
			}

			timeout := time.Duration(timeoutSeconds) * time.Second

			runCfg := orchestrator.RunConfig{
				Root:             wd,
				Selectors:        packet.Selectors{Include: []string{"**/*.md", "**/*.core.yaml"}},
				Budget:           packet.Budget{MaxBytes: 200_000, MaxLines: 4_000},
				Redactor:         redact.Default(),
				ForbidSecrets:    true,
				Backend:          backend,
				Model:            cfgVal.Get("model"),
				Timeout:          timeout,
				Prompt:           prompt,
				PromptTemplate:   orchestrator.TemplateDefault,
				XcheckerVersion:  version,
				ClaudeCLIVersion: "unknown",
				Runner:           "local",
				Strict:           strict,
				Flags: map[string]string{
					"model":    cfgVal.Get("model"),
					"provider": cfgVal.Get("provider"),
				},
			}

			start := time.Now()
			result, runErr := orchestrator.RunPhase(paths, specID, ph, runCfg)
			elapsed := time.Since(start).Seconds()

			c := xcerr.Classify(runErr)
			outcome := "success"
			if runErr != nil {
				outcome = string(c.Kind)
			}
			phaseDuration.WithLabelValues(string(ph), outcome).Observe(elapsed)
			phaseTotal.WithLabelValues(string(ph), fmt.Sprintf("%d", c.ExitCode)).Inc()

			if runErr != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), color.RedString("phase %s failed: %s (%s)", ph, c.Reason, c.Kind))
				return &exitError{code: c.ExitCode}
			}

			fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("phase %s complete: %s", ph, result.ReceiptPath))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the dry-run LLM backend instead of invoking a real CLI")
	cmd.Flags().BoolVar(&strict, "strict", false, "promote output validation failures to terminal errors")
	cmd.Flags().StringVar(&prompt, "prompt", "", "the phase instructions sent to the LLM")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 600, "phase timeout in seconds (minimum 5)")
	return cmd
}

// exitError carries a specific process exit code out of a cobra RunE.
type exitError struct{ code int }

func (e *exitError) Error() string { return fmt.Sprintf("exit code %d", e.code) }

func exitCodeForMainError(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return xcerr.ExitUnknown
}
