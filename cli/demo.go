package cli

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/kbukum/sagakit/bootstrap"
	"github.com/kbukum/sagakit/resilience"
	"github.com/kbukum/sagakit/saga"
)

// DemoSagaName is the definition name of the sample order saga.
const DemoSagaName = "order-demo"

// DemoOrder is the input of the sample order saga.
type DemoOrder struct {
	OrderID string  `json:"order_id"`
	Amount  float64 `json:"amount"`
	// FailAt names a step that fails permanently, to show compensation.
	FailAt string `json:"fail_at,omitempty"`
}

func demoStep(name string) saga.StepFunc {
	return func(_ context.Context, sc *saga.StepContext) (any, error) {
		var order DemoOrder
		if err := sc.Input(&order); err != nil {
			return nil, resilience.Permanent(err)
		}
		if order.FailAt == name {
			return nil, resilience.Permanent(fmt.Errorf("%s rejected order %s", name, order.OrderID))
		}
		return map[string]string{"order_id": order.OrderID, "ref": name + "-" + sc.StepID[:8]}, nil
	}
}

func demoUndo(_ context.Context, sc *saga.StepContext) error {
	var done map[string]string
	return sc.DecodeResult(sc.StepName, &done)
}

// DemoDefinition returns the sample order saga: reserve stock, charge,
// notify and update loyalty points concurrently, then ship.
func DemoDefinition() *saga.Definition {
	return saga.NewDefinition(DemoSagaName,
		saga.Step{Name: "reserve_inventory", Target: "inventory", Execute: demoStep("reserve_inventory"), Compensate: demoUndo},
		saga.Step{Name: "charge_payment", Target: "payments", Execute: demoStep("charge_payment"), Compensate: demoUndo},
		saga.Step{Name: "send_confirmation", Target: "email", Group: "notify", Execute: demoStep("send_confirmation")},
		saga.Step{Name: "award_loyalty", Target: "loyalty", Group: "notify", Execute: demoStep("award_loyalty"), Compensate: demoUndo},
		saga.Step{Name: "ship_order", Target: "shipping", Execute: demoStep("ship_order")},
	)
}

func newDemoCmd(o *rootOptions) *cobra.Command {
	var (
		order  DemoOrder
		sagaID string
		tenant string
	)
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the sample order saga through the configured stack",
		Long: `Demo executes a five-step order saga against the configured store,
locker, resilience policies and event sinks. --fail-at makes one step fail
permanently so the completed steps are compensated.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if order.OrderID == "" {
				order.OrderID = uuid.NewString()[:8]
			}
			def, _ := o.defs.Get(DemoSagaName)
			if order.FailAt != "" {
				if _, ok := def.Step(order.FailAt); !ok {
					return fmt.Errorf("unknown step %q", order.FailAt)
				}
			}
			return o.runApp(cmd, false, func(ctx context.Context, app *bootstrap.App) error {
				res, err := app.Manager().Execute(ctx, def, saga.ExecuteOptions{
					SagaID: sagaID,
					Input:  order,
					Tenant: tenant,
				})
				if err != nil {
					return err
				}
				return o.reportResult(cmd, res)
			})
		},
	}
	cmd.Flags().StringVar(&order.OrderID, "order-id", "", "order identifier (default: random)")
	cmd.Flags().Float64Var(&order.Amount, "amount", 42.5, "order amount")
	cmd.Flags().StringVar(&order.FailAt, "fail-at", "", "step that fails permanently")
	cmd.Flags().StringVar(&sagaID, "saga-id", "", "execution ID (default: generated)")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant for rate limiting")
	return cmd
}
