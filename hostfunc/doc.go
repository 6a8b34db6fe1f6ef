// Package hostfunc provides the host functions behind the script API surface.
//
// Host functions are Go functions that script code reaches through the
// namespaces declared in the API artifact (log, clock, config, server,
// storage). Each loaded unit gets its own [Registry]; a namespace that was
// not registered there is unreachable for that unit.
//
// # Registry
//
//	registry := hostfunc.NewRegistry()
//	hostfunc.RegisterLog(registry, logger)
//	hostfunc.RegisterClock(registry, nil)
//	registry.Register("server.broadcast", func(ctx context.Context, args []any) (any, error) {
//	    return nil, nil
//	})
//
// # Built-in Capabilities
//
// Log: structured logging via [RegisterLog].
//
// Config: read-only, dotted-path lookups via [Config].
//
// Server: delegation to an api.Server via [RegisterServer].
//
// Storage: per-script key/value pairs persisted as YAML via [Storage] and
// [StorageConfig].
//
//	store, err := hostfunc.OpenStorage(hostfunc.StorageConfig{
//	    Path:       hostfunc.StoragePath("data/storage", "greeter"),
//	    MaxEntries: 1000,
//	})
//	hostfunc.RegisterStorage(registry, store)
//
// # Security Model
//
// Scripts start with zero capabilities beyond what the engine grants:
//   - Namespaces are bound only when registered for the unit
//   - Calls to unregistered names fail with [ErrCapabilityDenied]
//   - Storage has configurable key, value, and entry limits
package hostfunc
