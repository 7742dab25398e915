// Package service implements the workflow orchestrator: the phase state
// machine that drives one analysis run across the vision and supplier
// agents and reports progress through the event sinks.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/ControlTower/internal/adapter/a2a"
	otelx "github.com/Strob0t/ControlTower/internal/adapter/otel"
	"github.com/Strob0t/ControlTower/internal/config"
	"github.com/Strob0t/ControlTower/internal/domain"
	"github.com/Strob0t/ControlTower/internal/domain/workflow"
	"github.com/Strob0t/ControlTower/internal/imaging"
)

// analyzeQuery is the substantive vision prompt: count the items.
const analyzeQuery = "Write code to count the exact number of boxes on this shelf."

// detectQuery is the lightweight spatial-detection prompt issued
// concurrently with the analysis call.
const detectQuery = "Return the 2D bounding box of each distinct object as box_2d: [ymin, xmin, ymax, xmax] normalized to 0-1000, one line per object."

// searchTermsMarker is emitted by the vision agent when its structuring
// pass succeeds; the remainder of that line is a clean supplier query.
const searchTermsMarker = "Search terms:"

// fallbackQuery is used when the vision phase produced no usable text.
const fallbackQuery = "warehouse inventory part"

// progressStages cycle through the synthetic vision_progress events while
// the slow analysis call is in flight.
var progressStages = []string{"generating", "executing", "verifying"}

// AgentCaller is the slice of the A2A client the orchestrator needs.
type AgentCaller interface {
	Discover(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
	Send(ctx context.Context, card *a2a.AgentCard, msg a2a.Message, timeout time.Duration) (*a2a.Envelope, error)
}

// PayloadCache is an optional cache of prepared payloads keyed by content
// hash of the raw upload.
type PayloadCache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration)
}

// Workflow orchestrates analysis runs. One Workflow serves the whole
// process; each upload starts an independent, unsynchronized run.
type Workflow struct {
	agents  AgentCaller
	sinks   []workflow.Sink
	cache   PayloadCache // may be nil
	metrics *otelx.Metrics

	visionURL   string
	supplierURL string
	callTimeout time.Duration

	payloadMaxBytes  int
	queryMaxLen      int
	progressInterval time.Duration
	phasePause       time.Duration
	runTimeout       time.Duration
}

// NewWorkflow creates the orchestrator. cache may be nil to disable
// payload reuse; metrics instruments are no-ops without an installed SDK.
func NewWorkflow(agents AgentCaller, cache PayloadCache, metrics *otelx.Metrics, agentsCfg config.Agents, payloadCfg config.Payload, wfCfg config.Workflow, sinks ...workflow.Sink) *Workflow {
	return &Workflow{
		agents:           agents,
		sinks:            sinks,
		cache:            cache,
		metrics:          metrics,
		visionURL:        agentsCfg.VisionURL,
		supplierURL:      agentsCfg.SupplierURL,
		callTimeout:      agentsCfg.CallTimeout,
		payloadMaxBytes:  payloadCfg.MaxBytes,
		queryMaxLen:      wfCfg.QueryMaxLen,
		progressInterval: wfCfg.ProgressInterval,
		phasePause:       wfCfg.PhasePause,
		runTimeout:       wfCfg.RunTimeout,
	}
}

// Start launches one supervised run for the uploaded image and returns
// immediately. A panic inside the run is recovered and still surfaces to
// observers as an error event before the goroutine exits.
func (w *Workflow) Start(image []byte) string {
	runID := uuid.NewString()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.runTimeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				slog.Error("workflow run panicked", "run_id", runID, "panic", r)
				w.emit(ctx, workflow.EventVisionError, map[string]any{
					"message": fmt.Sprintf("internal error: %v", r),
				})
			}
		}()

		w.Run(ctx, runID, image)
	}()

	return runID
}

// Run executes the full phase sequence:
// upload → vision discovery → vision analysis (two concurrent calls) →
// supplier discovery → supplier search → order placed. A failed phase
// emits its error event and ends the run; nothing propagates further.
func (w *Workflow) Run(ctx context.Context, runID string, image []byte) {
	ctx, span := otelx.StartRunSpan(ctx, runID)
	defer span.End()

	if w.metrics != nil {
		w.metrics.RunsStarted.Add(ctx, 1)
	}
	start := time.Now()
	slog.Info("workflow run started", "run_id", runID, "image_bytes", len(image))

	w.emit(ctx, workflow.EventUploadComplete, map[string]any{
		"message": "Image uploaded successfully",
	})
	w.pause(ctx)

	visionText, ok := w.visionPhase(ctx, runID, image)
	if !ok {
		w.finish(ctx, runID, start, false)
		return
	}
	w.pause(ctx)

	ok = w.supplierPhase(ctx, runID, visionText)
	w.finish(ctx, runID, start, ok)
}

func (w *Workflow) finish(ctx context.Context, runID string, start time.Time, ok bool) {
	if w.metrics != nil {
		if ok {
			w.metrics.RunsCompleted.Add(ctx, 1)
		} else {
			w.metrics.RunsFailed.Add(ctx, 1)
		}
	}
	slog.Info("workflow run finished", "run_id", runID, "ok", ok,
		"duration_ms", time.Since(start).Milliseconds())
}

// visionPhase runs discovery against the vision agent and the two
// concurrent analysis calls. Returns the analysis text and whether the
// phase succeeded.
func (w *Workflow) visionPhase(ctx context.Context, runID string, image []byte) (string, bool) {
	ctx, span := otelx.StartPhaseSpan(ctx, runID, "vision")
	defer span.End()
	phaseStart := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.PhaseDuration.Record(ctx, time.Since(phaseStart).Seconds())
		}
	}()

	w.emit(ctx, workflow.EventDiscoveryStart, map[string]any{
		"agent":   "vision",
		"message": "Discovering Vision Agent via A2A protocol...",
	})

	card, err := w.agents.Discover(ctx, w.visionURL)
	if err != nil {
		slog.Error("vision discovery failed", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventVisionError, map[string]any{
			"message": fmt.Sprintf("Vision Agent error: %v", err),
			"error":   err.Error(),
		})
		return "", false
	}

	w.emit(ctx, workflow.EventDiscoveryComplete, map[string]any{
		"agent":   "vision",
		"message": fmt.Sprintf("Vision Agent discovered: %s", card.Name),
	})
	w.pause(ctx)

	w.emit(ctx, workflow.EventVisionStart, map[string]any{
		"message": "Vision Agent analyzing image...",
		"details": "Think-Act-Observe loop initiated",
	})

	payload, err := w.preparePayload(image)
	if err != nil {
		slog.Error("payload preparation failed", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventVisionError, map[string]any{
			"message": fmt.Sprintf("Vision Agent error: %v", err),
			"error":   err.Error(),
		})
		return "", false
	}

	encoded := base64.StdEncoding.EncodeToString(payload)

	// Two independent calls against the same agent with the same prepared
	// payload: the substantive analysis (slow) and a spatial detection
	// pass (fast). The phase takes as long as the slower of the two.
	var analysisText, detectionText string

	progressCtx, stopProgress := context.WithCancel(ctx)
	defer stopProgress()
	progressDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		w.emitProgress(progressCtx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stopProgress() // the instant the real response arrives
		cctx, cspan := otelx.StartAgentCallSpan(gctx, card.Name, "analyze")
		defer cspan.End()
		env, err := w.agents.Send(cctx, card, visionMessage(encoded, analyzeQuery), w.callTimeout)
		if err != nil {
			return err
		}
		analysisText = a2a.ExtractText(env)
		return nil
	})
	g.Go(func() error {
		cctx, cspan := otelx.StartAgentCallSpan(gctx, card.Name, "detect")
		defer cspan.End()
		env, err := w.agents.Send(cctx, card, visionMessage(encoded, detectQuery), w.callTimeout)
		if err != nil {
			return err
		}
		detectionText = a2a.ExtractText(env)
		return nil
	})

	// Join on both calls; either completion order is handled identically.
	// The progress ticker is stopped and drained before any further event
	// so no vision_progress can trail the phase outcome.
	err = g.Wait()
	stopProgress()
	<-progressDone
	if err != nil {
		slog.Error("vision analysis failed", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventVisionError, map[string]any{
			"message": fmt.Sprintf("Vision Agent error: %v", err),
			"error":   err.Error(),
		})
		return "", false
	}

	complete := map[string]any{
		"message":    "Vision analysis complete",
		"result":     analysisText,
		"detections": detectionText,
	}
	if strings.Contains(analysisText, "Code output:") ||
		strings.Contains(strings.ToLower(analysisText), "result") {
		complete["code_output"] = analysisText
	}
	w.emit(ctx, workflow.EventVisionComplete, complete)

	if steps := visionThinkingSteps(analysisText); len(steps) > 0 {
		w.emit(ctx, workflow.EventThinkingUpdate, map[string]any{
			"agent": "vision",
			"steps": steps,
		})
	}

	return analysisText, true
}

// supplierPhase runs discovery against the supplier agent, the inventory
// search, and — when the result parses — the order action.
func (w *Workflow) supplierPhase(ctx context.Context, runID, visionText string) bool {
	ctx, span := otelx.StartPhaseSpan(ctx, runID, "supplier")
	defer span.End()
	phaseStart := time.Now()
	defer func() {
		if w.metrics != nil {
			w.metrics.PhaseDuration.Record(ctx, time.Since(phaseStart).Seconds())
		}
	}()

	w.emit(ctx, workflow.EventDiscoveryStart, map[string]any{
		"agent":   "supplier",
		"message": "Discovering Supplier Agent via A2A protocol...",
	})

	card, err := w.agents.Discover(ctx, w.supplierURL)
	if err != nil {
		slog.Error("supplier discovery failed", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventMemoryError, map[string]any{
			"message": fmt.Sprintf("Supplier Agent error: %v", err),
			"error":   err.Error(),
		})
		return false
	}

	w.emit(ctx, workflow.EventDiscoveryComplete, map[string]any{
		"agent":   "supplier",
		"message": fmt.Sprintf("Supplier Agent discovered: %s", card.Name),
	})
	w.pause(ctx)

	w.emit(ctx, workflow.EventMemoryStart, map[string]any{
		"message": "Querying inventory with vector search...",
		"details": "Searching supplier inventory",
	})

	query := searchQuery(visionText, w.queryMaxLen)
	payload, _ := json.Marshal(map[string]string{"query": query})

	cctx, cspan := otelx.StartAgentCallSpan(ctx, card.Name, "search")
	env, err := w.agents.Send(cctx, card, a2a.NewMessage(string(payload)), w.callTimeout)
	cspan.End()
	if err != nil {
		slog.Error("supplier search failed", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventMemoryError, map[string]any{
			"message": fmt.Sprintf("Supplier Agent error: %v", err),
			"error":   err.Error(),
		})
		return false
	}

	supplierText := a2a.ExtractText(env)
	if supplierText == "" {
		w.emit(ctx, workflow.EventMemoryError, map[string]any{
			"message": "No matching supplier found",
		})
		return false
	}

	match, err := parseSupplierMatch(supplierText)
	if err != nil {
		// Non-fatal: the workflow still completes with the raw text.
		slog.Warn("supplier response not parseable", "run_id", runID, "error", err)
		w.emit(ctx, workflow.EventMemoryComplete, map[string]any{
			"message": "Supplier response received",
			"result":  supplierText,
		})
		return true
	}

	w.emit(ctx, workflow.EventMemoryComplete, map[string]any{
		"message":    fmt.Sprintf("Match found: %s", match.Part),
		"part":       match.Part,
		"supplier":   match.Supplier,
		"confidence": match.Confidence,
	})

	w.emit(ctx, workflow.EventThinkingUpdate, map[string]any{
		"agent": "memory",
		"steps": supplierThinkingSteps(),
	})
	w.pause(ctx)

	orderID := fmt.Sprintf("#%d", 9000+rand.IntN(1000))
	w.emit(ctx, workflow.EventOrderPlaced, map[string]any{
		"message":  fmt.Sprintf("Order %s placed autonomously", orderID),
		"order_id": orderID,
		"part":     match.Part,
		"supplier": match.Supplier,
	})

	return true
}

// preparePayload bounds the image for transmission, reusing a cached
// preparation when the same bytes were uploaded before.
func (w *Workflow) preparePayload(image []byte) ([]byte, error) {
	if w.cache == nil {
		return imaging.Prepare(image, w.payloadMaxBytes)
	}

	sum := sha256.Sum256(image)
	key := "payload:" + hex.EncodeToString(sum[:])
	if cached, ok := w.cache.Get(key); ok {
		return cached, nil
	}

	prepared, err := imaging.Prepare(image, w.payloadMaxBytes)
	if err != nil {
		return nil, err
	}
	w.cache.Set(key, prepared, time.Hour)
	return prepared, nil
}

// emitProgress publishes synthetic vision_progress events on a fixed
// schedule until its context is cancelled. Cancellation of a step that
// never fires is not an error.
func (w *Workflow) emitProgress(ctx context.Context) {
	ticker := time.NewTicker(w.progressInterval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			stage := progressStages[i%len(progressStages)]
			w.emit(ctx, workflow.EventVisionProgress, map[string]any{
				"stage":   stage,
				"message": fmt.Sprintf("Vision Agent %s...", stage),
			})
		}
	}
}

// emit publishes one event to every sink in order.
func (w *Workflow) emit(ctx context.Context, eventType string, payload map[string]any) {
	ev := workflow.NewEvent(eventType, payload)
	for _, sink := range w.sinks {
		sink.Publish(ctx, ev)
	}
	if w.metrics != nil {
		w.metrics.EventsPublished.Add(ctx, 1)
	}
}

// pause is the brief cosmetic delay between phases for observer feedback.
func (w *Workflow) pause(ctx context.Context) {
	if w.phasePause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.phasePause):
	}
}

// visionMessage builds the JSON text payload the vision agent expects.
func visionMessage(imageBase64, query string) a2a.Message {
	payload, _ := json.Marshal(map[string]string{
		"image_base64": imageBase64,
		"query":        query,
	})
	return a2a.NewMessage(string(payload))
}

// searchQuery derives the supplier search query from the vision text.
// Preference order: the agent's "Search terms:" marker line, then the
// truncated raw text. The prefix truncation is a documented heuristic with
// no correctness bound; it exists only to keep the query inside the
// supplier agent's embedding budget.
func searchQuery(visionText string, maxLen int) string {
	for line := range strings.Lines(visionText) {
		if rest, ok := strings.CutPrefix(strings.TrimSpace(line), searchTermsMarker); ok {
			if q := strings.TrimSpace(rest); q != "" {
				return q
			}
		}
	}

	text := strings.TrimSpace(visionText)
	if text == "" {
		return fallbackQuery
	}
	if maxLen > 0 && len(text) > maxLen {
		// Back off to a rune boundary so the cut never mangles a
		// multi-byte character.
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		return text[:cut]
	}
	return text
}

// supplierMatch is the structured inventory result shape.
type supplierMatch struct {
	Part       string `json:"part"`
	Supplier   string `json:"supplier"`
	Confidence string `json:"match_confidence"`
}

// parseSupplierMatch parses the supplier response text as a structured
// match. A present-but-unparseable response returns domain.ErrParse, which
// callers degrade to the raw text.
func parseSupplierMatch(text string) (*supplierMatch, error) {
	var match supplierMatch
	if err := json.Unmarshal([]byte(text), &match); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrParse, err)
	}
	if match.Part == "" || match.Supplier == "" {
		return nil, fmt.Errorf("%w: missing part or supplier", domain.ErrParse)
	}
	return &match, nil
}

// thinkingStep is one synthesized reasoning step for the UI timeline.
type thinkingStep struct {
	Step      int    `json:"step"`
	Thought   string `json:"thought"`
	Timestamp string `json:"timestamp"`
}

func stepTime() string {
	return time.Now().Format("15:04:05")
}

// visionThinkingSteps synthesizes reasoning steps from patterns in the
// vision response. Purely cosmetic observer feedback.
func visionThinkingSteps(text string) []thinkingStep {
	var steps []thinkingStep
	if strings.Contains(text, "def ") || strings.Contains(text, "import ") {
		steps = append(steps,
			thinkingStep{1, "Analyzing image requirements and planning approach", stepTime()},
			thinkingStep{2, "Writing code for object detection", stepTime()},
			thinkingStep{3, "Executing code in sandbox environment", stepTime()},
		)
	}
	lower := strings.ToLower(text)
	if strings.Contains(lower, "result") || strings.Contains(lower, "boxes") {
		steps = append(steps, thinkingStep{
			Step:      len(steps) + 1,
			Thought:   "Processing execution results and formatting output",
			Timestamp: stepTime(),
		})
	}
	return steps
}

// supplierThinkingSteps synthesizes the fixed supplier-side reasoning steps.
func supplierThinkingSteps() []thinkingStep {
	return []thinkingStep{
		{1, "Generating embedding vector from query text", stepTime()},
		{2, "Executing vector search against inventory", stepTime()},
		{3, "Ranking results by similarity score", stepTime()},
	}
}
