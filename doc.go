// Package focuscript hosts hot-reloadable game scripts inside a Go process.
//
// # Overview
//
// Scripts are compiled against a bundled API artifact, loaded into
// isolated units and invoked through a sandbox that turns every failure
// into a result. Reloading a script swaps its unit atomically; the old
// unit finishes its in-flight calls before it is disposed.
//
// # Basic Usage
//
//	engine, _ := focuscript.New(config.Default())
//	defer engine.Close(ctx)
//
//	summary := engine.Manager.Load(ctx, "adder", "return 1 + 1")
//	if !summary.OK() {
//	    fmt.Println(summary.Diagnostics.Summary(compiler.MaxSummaryLines))
//	}
//	result := engine.Manager.Invoke(ctx, "adder", nil)
//	fmt.Println(result.Value) // 2
//
// # Workspaces
//
//	engine.LoadWorkspaces(ctx)   // scripts/*/script.yml, dependencies first
//	go engine.Watch(ctx)         // reload on change
//
// See the [manager], [executor], [compiler], [workspace] and [hostfunc]
// packages for detailed API documentation.
package focuscript
