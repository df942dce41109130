package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kbukum/sagakit/bootstrap"
	apperrors "github.com/kbukum/sagakit/errors"
	"github.com/kbukum/sagakit/saga"
)

// sagaSummary is one row of list output.
type sagaSummary struct {
	SagaID     string      `json:"saga_id"`
	Name       string      `json:"name"`
	Status     saga.Status `json:"status"`
	Tenant     string      `json:"tenant,omitempty"`
	Progress   string      `json:"progress"`
	FailedStep string      `json:"failed_step,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func summarize(s *saga.Snapshot) sagaSummary {
	done := 0
	for _, st := range s.Steps {
		if st.Status == saga.StepCompleted {
			done++
		}
	}
	return sagaSummary{
		SagaID:     s.SagaID,
		Name:       s.Name,
		Status:     s.Status,
		Tenant:     s.Tenant,
		Progress:   fmt.Sprintf("%d/%d completed", done, len(s.Steps)),
		FailedStep: s.FailedStep,
		UpdatedAt:  s.UpdatedAt,
	}
}

func newListCmd(o *rootOptions) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sagas that have not reached a terminal status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				active, err := app.Store().ListActive(ctx)
				if err != nil {
					return apperrors.SnapshotError("", err)
				}
				rows := make([]sagaSummary, 0, len(active))
				for _, s := range active {
					if name != "" && s.Name != name {
						continue
					}
					rows = append(rows, summarize(s))
				}
				return render(cmd.OutOrStdout(), o.output, rows)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "only sagas of this definition")
	return cmd
}

func loadSnapshot(ctx context.Context, app *bootstrap.App, sagaID string) (*saga.Snapshot, error) {
	snap, err := app.Store().Load(ctx, sagaID)
	if err != nil {
		return nil, apperrors.SnapshotError(sagaID, err)
	}
	if snap == nil {
		return nil, apperrors.NotFound("saga", sagaID)
	}
	return snap, nil
}

func newShowCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show SAGA_ID",
		Short: "Print the snapshot of one saga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				snap, err := loadSnapshot(ctx, app, args[0])
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), o.output, snap)
			})
		},
	}
}

func newDeleteCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "delete SAGA_ID",
		Short: "Delete the snapshot of a finished saga",
		Long: `Delete removes a saga snapshot. Snapshots of sagas that have not reached
a terminal status are only deleted with --force; the saga can then no longer
be resumed or compensated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				snap, err := loadSnapshot(ctx, app, args[0])
				if err != nil {
					return err
				}
				if !snap.Status.IsTerminal() && !force {
					return fmt.Errorf("saga %s is %s; use --force to delete it", snap.SagaID, snap.Status)
				}
				if err := app.Store().Delete(ctx, snap.SagaID); err != nil {
					return apperrors.SnapshotError(snap.SagaID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s (%s)\n", snap.SagaID, snap.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "delete sagas that are still running or compensating")
	return cmd
}

// reportResult renders res and turns a FAILED outcome into a command error.
func (o *rootOptions) reportResult(cmd *cobra.Command, res *saga.Result) error {
	if err := render(cmd.OutOrStdout(), o.output, res); err != nil {
		return err
	}
	if res.Status == saga.StatusFailed {
		return res.Err()
	}
	return nil
}

func newResumeCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "resume SAGA_ID",
		Short: "Continue an interrupted saga from its snapshot",
		Long: `Resume continues a saga with the registered definition of the same name.
Completed steps are not re-run; a saga that was compensating continues
compensation. Resuming a finished saga prints its recorded result.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Manager().Resume(ctx, args[0])
				if err != nil {
					return err
				}
				return o.reportResult(cmd, res)
			})
		},
	}
}

func newRecoverCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume every saga that has not reached a terminal status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				results, err := app.Manager().Recover(ctx)
				if results == nil {
					results = []*saga.Result{}
				}
				if rerr := render(cmd.OutOrStdout(), o.output, results); rerr != nil {
					return rerr
				}
				return err
			})
		},
	}
}
