package a2a

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Strob0t/ControlTower/internal/domain"
)

// Envelope is a tagged union over the known response shapes. The remote
// protocol's envelope is not contractually stable across agent SDK
// versions, so the union is built once at the deserialization boundary and
// extraction pattern-matches on it instead of probing fields at use sites.
//
// Known shapes, in the order they are tried by ExtractText:
//  1. JSON-RPC result object carrying a message with parts
//  2. top-level artifact object with the same part-list shape
//  3. top-level list of messages, each with its own part list
type Envelope struct {
	Result   *ResultMessage  `json:"result,omitempty"`
	Artifact *Artifact       `json:"artifact,omitempty"`
	Messages []ResultMessage `json:"messages,omitempty"`
	Error    *RPCError       `json:"error,omitempty"`
}

// ResultMessage is a message-shaped response body.
type ResultMessage struct {
	Role      string         `json:"role,omitempty"`
	MessageID string         `json:"messageId,omitempty"`
	Parts     []ResponsePart `json:"parts"`
}

// Artifact is an artifact-shaped response body.
type Artifact struct {
	ArtifactID string         `json:"artifactId,omitempty"`
	Name       string         `json:"name,omitempty"`
	Parts      []ResponsePart `json:"parts"`
}

// ResponsePart is one content part of a response. Some SDK versions expose
// the text directly, others wrap it one level deep under "root"; both are
// tolerated.
type ResponsePart struct {
	Kind string    `json:"kind,omitempty"`
	Text string    `json:"text,omitempty"`
	Root *wrapPart `json:"root,omitempty"`
}

type wrapPart struct {
	Kind string `json:"kind,omitempty"`
	Text string `json:"text,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ParseEnvelope builds the tagged union from a raw response body.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: decode envelope: %v", domain.ErrParse, err)
	}
	return &env, nil
}

// text resolves a part's text, looking one wrapper level deep.
func (p ResponsePart) text() string {
	if p.Text != "" {
		return p.Text
	}
	if p.Root != nil {
		return p.Root.Text
	}
	return ""
}

func joinParts(parts []ResponsePart) string {
	var out string
	for _, p := range parts {
		out += p.text()
	}
	return out
}

// extractStrategy is one pure shape-specific extraction attempt.
type extractStrategy func(*Envelope) string

var extractStrategies = []extractStrategy{
	func(env *Envelope) string {
		if env.Result == nil {
			return ""
		}
		return joinParts(env.Result.Parts)
	},
	func(env *Envelope) string {
		if env.Artifact == nil {
			return ""
		}
		return joinParts(env.Artifact.Parts)
	},
	func(env *Envelope) string {
		var out string
		for _, msg := range env.Messages {
			out += joinParts(msg.Parts)
		}
		return out
	},
}

// ExtractText returns the concatenated textual content of the envelope,
// trying each known shape in order and short-circuiting on the first that
// yields non-empty text. An envelope matching no shape yields "" — logged,
// never an error. To support a new SDK shape, append a strategy instead of
// branching deeper into an existing one.
func ExtractText(env *Envelope) string {
	if env == nil {
		return ""
	}
	for _, strategy := range extractStrategies {
		if text := strategy(env); text != "" {
			return text
		}
	}
	slog.Warn("no text found in agent response envelope")
	return ""
}
