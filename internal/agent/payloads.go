package agent

// Event payload shapes delivered through the event sink. All fields are
// JSON-encoded with the event envelope.

// StatusPayload reports a lifecycle transition.
type StatusPayload struct {
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// ErrorPayload reports a session-level failure.
type ErrorPayload struct {
	Message string `json:"message"`
}

// MessagePayload is one transcript message, also used for history replay.
type MessagePayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// DeltaPayload is one streamed text fragment of the turn in progress.
type DeltaPayload struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// ToolPayload describes a tool invocation or its result.
type ToolPayload struct {
	ToolUseID string `json:"toolUseId,omitempty"`
	Title     string `json:"title,omitempty"`
	Kind      string `json:"kind,omitempty"`
	Status    string `json:"status,omitempty"`
	Text      string `json:"text,omitempty"`
}

// ResultPayload reports how a turn ended.
type ResultPayload struct {
	StopReason string `json:"stopReason"`
}

// ModeChangePayload reports a configuration change on the session.
type ModeChangePayload struct {
	PermissionMode  string `json:"permissionMode,omitempty"`
	Model           string `json:"model,omitempty"`
	Effort          string `json:"effort,omitempty"`
	ExtendedContext bool   `json:"extendedContext"`
}

// RequestPayload announces a pending permission or ask-user request.
type RequestPayload struct {
	ToolUseID string          `json:"toolUseId"`
	Options   []RequestOption `json:"options,omitempty"`
	Questions []string        `json:"questions,omitempty"`
}
