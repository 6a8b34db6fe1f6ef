// Package manager tracks which unit is live for each script identity.
//
// A [Manager] drives every identity through the states unloaded,
// compiling, loaded and failed. Loads for one identity are served in the
// order they were requested. A successful load swaps the live unit
// atomically and retires the previous one, which is disposed when its
// last in-flight invocation returns. A failed reload leaves the previous
// unit serving.
//
//	m := manager.New(comp, loader, manager.WithLogger(logger))
//	summary := m.Load(ctx, "greeter", "return 'hi ' + event.player")
//	if !summary.OK() {
//	    fmt.Println(summary.Diagnostics.Summary(compiler.MaxSummaryLines))
//	}
//	result := m.Invoke(ctx, "greeter", map[string]any{"player": "steve"})
//
// Units that run past their deadline, panic, or time out too many times in
// a row are unloaded and the identity is marked failed.
package manager
