// Package a2a implements the client side of the A2A protocol: capability
// discovery against an agent's well-known card and JSON-RPC message/send
// task calls, plus tolerant parsing of the response envelope.
package a2a

// AgentCard describes an agent's capabilities per the A2A protocol.
// Fetched once per discovery call; never cached across workflow runs.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	DefaultInputModes  []string          `json:"defaultInputModes,omitempty"`
	DefaultOutputModes []string          `json:"defaultOutputModes,omitempty"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills"`
}

// AgentCapabilities holds the optional capability flags an agent declares.
type AgentCapabilities struct {
	Streaming         bool `json:"streaming"`
	PushNotifications bool `json:"pushNotifications,omitempty"`
}

// AgentSkill describes a single capability of the agent. Purely
// descriptive metadata, never mutated.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Tags        []string `json:"tags,omitempty"`
	Examples    []string `json:"examples,omitempty"`
	InputModes  []string `json:"inputModes,omitempty"`
	OutputModes []string `json:"outputModes,omitempty"`
}

// Message is the task request body sent to an agent. Constructed fresh per
// call; never reused across agents.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId"`
}

// Part is one typed content element of a message: text, or a binary file.
type Part struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
	File *File  `json:"file,omitempty"`
}

// File carries inline binary content, base64-encoded per the protocol.
type File struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) Part {
	return Part{Kind: "text", Text: text}
}
