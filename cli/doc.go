// Package cli implements sagactl, the operator tool for sagakit.
//
// Commands inspect and repair saga state in the configured snapshot store
// (list, show, delete, resume, recover), manage the PostgreSQL snapshot
// schema (migrate), follow the Kafka event stream (watch), report component
// health (status) and run a sample saga through the configured stack
// (demo).
//
// Services embed the command tree with their own definitions so that
// resume and recover can continue their sagas:
//
//	root := cli.NewRootCommand(defs)
//	if err := root.ExecuteContext(ctx); err != nil {
//	    os.Exit(1)
//	}
package cli
