package config

// Tool names exposed by the keeper MCP server
const (
	// ToolNodeCreate creates a node
	ToolNodeCreate = "node.create"
	// ToolNodeGet reads a node's data
	ToolNodeGet = "node.get"
	// ToolNodeSet replaces a node's data
	ToolNodeSet = "node.set"
	// ToolNodeDelete deletes a node
	ToolNodeDelete = "node.delete"
	// ToolNodeExists reports whether a node exists
	ToolNodeExists = "node.exists"
	// ToolNodeChildren lists a node's children
	ToolNodeChildren = "node.children"
	// ToolNodeTransaction commits a batch of writes atomically
	ToolNodeTransaction = "node.transaction"
	// ToolConnectionState reports the connection state
	ToolConnectionState = "connection.state"
)

// AllTools returns a slice of all available tool names
func AllTools() []string {
	return []string{
		ToolNodeCreate,
		ToolNodeGet,
		ToolNodeSet,
		ToolNodeDelete,
		ToolNodeExists,
		ToolNodeChildren,
		ToolNodeTransaction,
		ToolConnectionState,
	}
}
