package api

// Kind classifies a surface symbol.
type Kind string

const (
	KindNamespace Kind = "namespace"
	KindFunction  Kind = "function"
	KindValue     Kind = "value"
	KindImport    Kind = "import"
)

// Symbol is one entry of the surface. Namespaces carry their members.
type Symbol struct {
	Name       string   `json:"name" yaml:"name" validate:"required"`
	Kind       Kind     `json:"kind" yaml:"kind" validate:"required,oneof=namespace function value import"`
	Capability string   `json:"capability,omitempty" yaml:"capability,omitempty"`
	Doc        string   `json:"doc,omitempty" yaml:"doc,omitempty"`
	Params     []string `json:"params,omitempty" yaml:"params,omitempty"`
	Results    []string `json:"results,omitempty" yaml:"results,omitempty"`
	Deprecated string   `json:"deprecated,omitempty" yaml:"deprecated,omitempty"`
	Members    []Symbol `json:"members,omitempty" yaml:"members,omitempty" validate:"dive"`
}

func fn(name, doc string, params ...string) Symbol {
	return Symbol{Name: name, Kind: KindFunction, Doc: doc, Params: params}
}

func imp(name, doc string, params, results []string) Symbol {
	return Symbol{Name: name, Kind: KindImport, Capability: CapLog, Doc: doc, Params: params, Results: results}
}

// Surface returns the full symbol table for Version.
func Surface() []Symbol {
	return []Symbol{
		fn("print", "Append a line to the invocation output.", "values..."),
		{Name: "apiVersion", Kind: KindValue, Doc: "API version the script runs against."},
		{
			Name: "log", Kind: KindNamespace, Capability: CapLog,
			Doc: "Structured logging tagged with the script identity.",
			Members: []Symbol{
				fn("debug", "Log at debug level.", "message"),
				fn("info", "Log at info level.", "message"),
				fn("warn", "Log at warn level.", "message"),
				fn("error", "Log at error level.", "message"),
			},
		},
		{
			Name: "clock", Kind: KindNamespace, Capability: CapClock,
			Doc: "Wall clock access.",
			Members: []Symbol{
				fn("now", "Current time in Unix milliseconds."),
			},
		},
		{
			Name: "config", Kind: KindNamespace, Capability: CapConfig,
			Doc: "Read-only script configuration.",
			Members: []Symbol{
				fn("get", "Value at a dotted path, or the fallback.", "path", "fallback"),
				fn("has", "Whether a dotted path is set.", "path"),
				fn("keys", "Top-level configuration keys."),
			},
		},
		{
			Name: "server", Kind: KindNamespace, Capability: CapServer,
			Doc: "Game server queries and actions.",
			Members: []Symbol{
				fn("players", "Online players."),
				fn("playerCount", "Number of online players."),
				fn("worlds", "Loaded world names."),
				fn("broadcast", "Send a message to every player.", "message"),
				{
					Name: "dispatchCommand", Kind: KindFunction,
					Doc:        "Run a console command.",
					Params:     []string{"command"},
					Deprecated: "console commands bypass permission checks and will be removed in api 2",
				},
			},
		},
		{
			Name: "storage", Kind: KindNamespace, Capability: CapStorage,
			Doc: "Per-script persistent key/value storage.",
			Members: []Symbol{
				fn("get", "Stored value, or the fallback.", "key", "fallback"),
				fn("set", "Store a value.", "key", "value"),
				fn("has", "Whether a key is stored.", "key"),
				fn("remove", "Delete a key.", "key"),
				fn("keys", "Stored keys in sorted order."),
				fn("save", "Flush storage to disk."),
				fn("reload", "Discard unsaved changes and reread from disk."),
			},
		},
		{
			Name: "scheduler", Kind: KindNamespace, Capability: CapScheduler,
			Doc: "Deferred invocations of the calling script.",
			Members: []Symbol{
				fn("after", "Invoke the script once after delay milliseconds. Returns a task id.", "delay", "payload"),
				fn("every", "Invoke the script every period milliseconds. Returns a task id.", "period", "payload"),
				fn("cancel", "Cancel a pending task.", "task"),
				fn("pending", "Number of pending tasks."),
			},
		},
		{
			Name: "events", Kind: KindNamespace, Capability: CapEvents,
			Doc: "Host event subscriptions of the calling script.",
			Members: []Symbol{
				fn("subscribe", "Invoke the script whenever the host emits the event.", "name"),
				fn("unsubscribe", "Stop receiving an event.", "name"),
				fn("subscriptions", "Subscribed event names in sorted order."),
			},
		},
		{
			Name: "commands", Kind: KindNamespace, Capability: CapCommands,
			Doc: "Console commands handled by the calling script.",
			Members: []Symbol{
				fn("register", "Route a command to the script. False if another script owns it.", "name", "usage"),
				fn("unregister", "Release a command.", "name"),
				fn("registered", "Commands owned by the script in sorted order."),
			},
		},
		{
			Name: WasmModule, Kind: KindNamespace,
			Doc: "Host functions importable by wasm units.",
			Members: []Symbol{
				imp("log_info", "Log a UTF-8 string at info level.", []string{"i32", "i32"}, nil),
				imp("log_warn", "Log a UTF-8 string at warn level.", []string{"i32", "i32"}, nil),
				{Name: "now_millis", Kind: KindImport, Capability: CapClock, Doc: "Current time in Unix milliseconds.", Results: []string{"i64"}},
				{Name: "player_count", Kind: KindImport, Capability: CapServer, Doc: "Number of online players.", Results: []string{"i32"}},
			},
		},
	}
}
