package tools

// Ident is the strong type for tool identifiers registered with the broker
// (e.g. "model.generate" or "mcp:ext:server:search"). Use it in maps and
// APIs to avoid mixing identifiers with free-form strings.
type Ident string

// String returns the string representation of the identifier.
func (id Ident) String() string {
	return string(id)
}
