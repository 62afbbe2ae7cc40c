package tools

// Built-in tool identifiers consumed by the workflow runners. Their handlers
// are external collaborators registered with the broker like any other tool.
const (
	// ModelGenerate asks a model for a completion.
	ModelGenerate Ident = "model.generate"
	// WorkspaceRead reads a workspace file.
	WorkspaceRead Ident = "workspace.read"
)

type (
	// ModelGenerateInput is the input of the model.generate tool.
	ModelGenerateInput struct {
		Prompt       string `json:"prompt"`
		SystemPrompt string `json:"systemPrompt,omitempty"`
		ConnectionID string `json:"connectionId,omitempty"`
		ModelRef     string `json:"modelRef,omitempty"`
	}

	// ModelGenerateOutput is the output of the model.generate tool.
	ModelGenerateOutput struct {
		Text string `json:"text"`
	}

	// WorkspaceReadInput is the input of the workspace.read tool.
	WorkspaceReadInput struct {
		Path string `json:"path"`
	}

	// WorkspaceReadOutput is the output of the workspace.read tool.
	WorkspaceReadOutput struct {
		Content string `json:"content"`
	}
)
