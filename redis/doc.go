// Package redis stores saga snapshots and execution locks in Redis.
//
// It wraps go-redis with logging, configuration conventions and component
// lifecycle (Start/Stop/Health). Snapshots are JSON strings keyed by saga
// ID; non-terminal sagas are indexed in a sorted set so a recovering
// process can list them. Locks use SET NX with a TTL; renewal and
// release are token-checked Lua scripts.
//
//	comp := redis.NewComponent(redis.Config{Enabled: true, Addr: "localhost:6379"}, log)
//	if err := comp.Start(ctx); err != nil {
//	    return err
//	}
//	m := saga.NewManager(saga.DefaultConfig(),
//	    saga.WithStore(comp.SnapshotStore()),
//	    saga.WithLocker(comp.Locker()),
//	)
package redis
