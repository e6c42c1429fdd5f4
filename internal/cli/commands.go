package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/randalmurphal/dashflow/pkg/pipeline"
	"github.com/randalmurphal/dashflow/pkg/pipeline/state"
)

func newRunCommand(app *App) *cobra.Command {
	var (
		file  string
		runID string
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "run -f request.yaml",
		Short: "Build and deploy a dashboard for a request file",
		Long: `Run resolves every query in the request file against the Grafana
datasource catalog, generates and validates a query for each, and deploys the
resulting dashboard. The exit status is 1 unless the dashboard was deployed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := LoadRequest(file)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			rt, s, logger, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			datasources, err := rt.fetchDatasources(ctx, logger)
			if err != nil {
				return err
			}

			maxRetries := req.Retries(s.MaxRetries)
			if runID == "" {
				runID = pipeline.NewRunID()
			}

			fmt.Fprintf(app.Out, "run %s: %d queries\n", runID, len(req.Queries))
			final, err := streamRun(app, rt.Pipeline, cmd, runID, pipeline.NewState(req.Queries, datasources, maxRetries), quiet)
			return finish(app, runID, final, err)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "request file (yaml)")
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: random)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "print only the summary")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func streamRun(app *App, p *pipeline.Pipeline, cmd *cobra.Command, runID string, s state.WorkflowState, quiet bool) (state.WorkflowState, error) {
	final := s
	for step, err := range p.Stream(cmd.Context(), runID, s) {
		final = step.State
		if err != nil {
			return final, err
		}
		if !quiet {
			fmt.Fprintln(app.Out, renderStep(step))
		}
	}
	return final, nil
}

func newResumeCommand(app *App) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Continue a checkpointed run",
		Long: `Resume continues a run from its latest checkpoint, or from the stage
after --from. It needs the same checkpoint backend the run was started with.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runID := args[0]
			ctx := cmd.Context()
			rt, _, logger, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			// The similarity catalogs live in memory and must be reloaded.
			saved, err := rt.Pipeline.Checkpoint(runID)
			if err != nil {
				return err
			}
			rt.loadCatalogs(ctx, logger, saved.Datasources)

			var final state.WorkflowState
			if from != "" {
				final, err = rt.Pipeline.ResumeFrom(ctx, runID, from)
			} else {
				final, err = rt.Pipeline.Resume(ctx, runID)
			}
			return finish(app, runID, final, err)
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "re-run the stages after this one")
	return cmd
}

func newDatasourcesCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "datasources",
		Short: "List the Grafana datasources queries can target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, _, _, err := app.open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.Datasources == nil {
				return errors.New("no datasource catalog configured")
			}
			datasources, err := rt.Datasources.FetchDatasources(ctx)
			if err != nil {
				return fmt.Errorf("list datasources: %w", err)
			}
			fmt.Fprint(app.Out, renderDatasources(datasources))
			return nil
		},
	}
}

func newRunsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List checkpointed runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, _, _, err := app.open(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			runs, err := rt.Pipeline.Runs()
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(app.Out, "no checkpointed runs")
				return nil
			}
			fmt.Fprint(app.Out, renderRuns(runs))
			return nil
		},
	}
}

func newGraphCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the stage graph as a Mermaid flowchart",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			out, err := pipeline.Diagram()
			if err != nil {
				return err
			}
			fmt.Fprint(app.Out, out)
			return nil
		},
	}
}

// finish prints the summary and turns anything but a deployed dashboard into
// exit status 1.
func finish(app *App, runID string, final state.WorkflowState, err error) error {
	if err != nil {
		if final.Stage != state.StagePending {
			fmt.Fprintln(app.Out, renderSummary(runID, final))
		}
		return err
	}
	fmt.Fprintln(app.Out, renderSummary(runID, final))
	if !final.Succeeded() {
		return NewExitError(1)
	}
	return nil
}
