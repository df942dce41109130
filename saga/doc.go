// Package saga coordinates multi-step business transactions that span
// several services.
//
// A Definition is an ordered list of Steps. Each step has a forward action
// and an optional compensation; adjacent steps sharing a Group run
// concurrently. The Manager runs every action through a resilience.Pipeline,
// writes a Snapshot to a SnapshotStore after every transition and, when a
// step fails, compensates the completed steps in reverse completion order.
// Compensation is best effort: a failed compensation is recorded and the
// remaining ones still run.
//
// Executions are keyed by saga ID. Executing an ID whose snapshot is
// terminal returns the recorded outcome without running anything; a
// non-terminal snapshot is resumed. A Locker keeps two executions of one ID
// from running at the same time.
//
//	defs := saga.NewDefinitionRegistry()
//	_ = defs.Register(saga.NewDefinition("order",
//	    saga.Step{Name: "reserve_inventory", Execute: reserve, Compensate: release},
//	    saga.Step{Name: "charge_payment", Execute: charge, Compensate: refund},
//	    saga.Step{Name: "ship_order", Execute: ship},
//	))
//
//	m := saga.NewManager(saga.DefaultConfig(),
//	    saga.WithPipeline(pipeline),
//	    saga.WithStore(store),
//	    saga.WithDefinitions(defs),
//	)
//	def, _ := defs.Get("order")
//	res, err := m.Execute(ctx, def, saga.ExecuteOptions{SagaID: orderID, Input: order})
//
// Snapshot stores backed by Redis, Badger and PostgreSQL live in the store
// sub-packages.
package saga
