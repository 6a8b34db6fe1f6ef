// Package focuscript implements the focuscript language: JavaScript script
// bodies compiled and run with goja.
//
// A script is the body of a function taking one parameter, event. The
// compiler wraps the body, parses it, and resolves every free name against
// the classpath before compiling, so a reference to a symbol the API
// artifact does not define is a compile error rather than a runtime one.
//
// At load time each unit gets its own goja runtime. Only the namespaces
// granted to the unit are bound into it; eval, Function and globalThis are
// removed.
//
//	lang := focuscript.New()
//	c := compiler.New(a, compiler.WithLanguages(lang))
//	loader := unit.NewLoader(unit.WithBackends(lang))
package focuscript
