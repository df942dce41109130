// Package bootstrap assembles a sagakit process from a config.Config.
//
// New registers the components the config selects: the snapshot store
// backend (memory, Redis, BadgerDB or a SQL database), the execution locker
// (memory, Redis or PostgreSQL advisory locks), the Kafka event publisher
// and the saga manager, which is always started last so that recovery sees
// running infrastructure. Event sinks (log, Prometheus, OpenTelemetry
// metrics, Kafka and any added with WithEventSink) are fanned out to both
// the resilience pipeline and the manager.
//
//	cfg, err := config.Load("sagakit.yml")
//	app, err := bootstrap.New(cfg, bootstrap.WithDefinitions(defs))
//	err = app.RunTask(ctx, func(ctx context.Context) error {
//	    res, err := app.Manager().Execute(ctx, orderSaga, saga.ExecuteOptions{Input: order})
//	    ...
//	})
//
// Components stop in reverse order on shutdown: the manager drains running
// sagas before the publisher flushes and stores close.
package bootstrap
