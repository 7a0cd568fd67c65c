package orchestrate

// DefaultBinary is the watsonx Orchestrate CLI as installed by the ADK.
const DefaultBinary = "orchestrate"

const redactedValue = "********"

// The builders below produce the exact argument vectors the CLI expects.
// Deploy plans are constructed from these so that the argv a plan displays,
// records, and executes is always the same slice.

// ToolsRemove removes one registered tool by name.
func ToolsRemove(name string) []string {
	return []string{"tools", "remove", "-n", name}
}

// ToolsRemoveAll is the unfiltered removal form. It deletes every
// registered tool, not just the one being reimported.
func ToolsRemoveAll() []string {
	return []string{"tools", "remove", "-n"}
}

// ConnectionsRemove removes the connection registered under app.
func ConnectionsRemove(app string) []string {
	return []string{"connections", "remove", "-a", app}
}

// ConnectionsAdd registers a new connection under app.
func ConnectionsAdd(app string) []string {
	return []string{"connections", "add", "-a", app}
}

// ConnectionsConfigure configures one environment of a connection.
func ConnectionsConfigure(app, env, appType, authKind string) []string {
	return []string{"connections", "configure", "-a", app, "--env", env, "-t", appType, "-k", authKind}
}

// ConnectionsSetCredentials stores a credential for one environment of a
// connection. The token is redacted whenever the argv is logged or recorded.
func ConnectionsSetCredentials(app, env, authKind, token string) []string {
	return []string{"connections", "set-credentials", "-a", app, "--env", env, "-k", authKind, "--token", token}
}

// ConnectionsList lists registered connections.
func ConnectionsList() []string {
	return []string{"connections", "list"}
}

// ToolsImport imports a tool of the given kind with its source file and
// requirements manifest, bound to the connection app.
func ToolsImport(kind, file, requirements, app string) []string {
	return []string{"tools", "import", "-k", kind, "-f", file, "-r", requirements, "-a", app}
}

// ToolsList lists registered tools.
func ToolsList() []string {
	return []string{"tools", "list"}
}

// RedactArgs returns a copy of args with values that follow secret-bearing
// flags replaced by a placeholder.
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		switch out[i] {
		case "--token", "--api-key", "--password":
			out[i+1] = redactedValue
		}
	}
	return out
}
