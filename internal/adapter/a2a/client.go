package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/ControlTower/internal/domain"
)

// agentCardPath is the well-known location of an agent's capability card.
const agentCardPath = "/.well-known/agent.json"

// maxResponseBytes bounds how much of an agent response is read.
const maxResponseBytes = 4 << 20 // 4 MB

// Client performs capability discovery and task calls against A2A agents.
// It holds no per-agent state: discovery precedes every call and cards are
// not cached across workflow runs.
type Client struct {
	discoveryClient *http.Client
	callClient      *http.Client
}

// NewClient creates an agent client. discoveryTimeout bounds card fetches;
// task calls carry their own per-call timeout, so the call client has no
// transport-level timeout that could clip a long analysis.
func NewClient(discoveryTimeout time.Duration) *Client {
	return &Client{
		discoveryClient: &http.Client{Timeout: discoveryTimeout},
		callClient:      &http.Client{},
	}
}

// Discover fetches and validates the agent card at baseURL.
// Unreachable endpoints and malformed descriptors both surface as
// domain.ErrDiscovery.
func (c *Client) Discover(ctx context.Context, baseURL string) (*AgentCard, error) {
	url := strings.TrimSuffix(baseURL, "/") + agentCardPath

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrDiscovery, err)
	}

	resp, err := c.discoveryClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch %s: %v", domain.ErrDiscovery, url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", domain.ErrDiscovery, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read card: %v", domain.ErrDiscovery, err)
	}

	var card AgentCard
	if err := json.Unmarshal(body, &card); err != nil {
		return nil, fmt.Errorf("%w: malformed card: %v", domain.ErrDiscovery, err)
	}
	if card.Name == "" || card.URL == "" {
		return nil, fmt.Errorf("%w: card missing name or url", domain.ErrDiscovery)
	}

	slog.Debug("agent discovered", "name", card.Name, "version", card.Version, "skills", len(card.Skills))
	return &card, nil
}

// sendMessageRequest is the JSON-RPC 2.0 request for the message/send method.
type sendMessageRequest struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      string            `json:"id"`
	Method  string            `json:"method"`
	Params  sendMessageParams `json:"params"`
}

type sendMessageParams struct {
	Message Message `json:"message"`
}

// Send posts a message/send task call to the agent described by card and
// returns the parsed response envelope. The wait is bounded by timeout;
// expiry, transport failure and JSON-RPC errors all surface as
// domain.ErrCall. No automatic retry: the caller decides whether the
// failure is fatal to its phase.
func (c *Client) Send(ctx context.Context, card *AgentCard, msg Message, timeout time.Duration) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rpcReq := sendMessageRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  "message/send",
		Params:  sendMessageParams{Message: msg},
	}

	body, err := json.Marshal(rpcReq)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal request: %v", domain.ErrCall, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, card.URL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", domain.ErrCall, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.callClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCall, card.Name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("%w: %s returned status %d", domain.ErrCall, card.Name, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrCall, err)
	}

	env, err := ParseEnvelope(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCall, err)
	}
	if env.Error != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrCall, card.Name, env.Error)
	}

	slog.Debug("agent call complete", "agent", card.Name, "duration_ms", time.Since(start).Milliseconds())
	return env, nil
}

// NewMessage builds a fresh user message with a unique message id around
// the given text payload.
func NewMessage(text string) Message {
	return Message{
		Role:      "user",
		Parts:     []Part{TextPart(text)},
		MessageID: uuid.NewString(),
	}
}
