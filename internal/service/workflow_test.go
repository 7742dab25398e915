package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/ControlTower/internal/adapter/a2a"
	"github.com/Strob0t/ControlTower/internal/config"
	"github.com/Strob0t/ControlTower/internal/domain"
	"github.com/Strob0t/ControlTower/internal/domain/workflow"
)

// captureSink records every published event in order.
type captureSink struct {
	mu     sync.Mutex
	events []workflow.Event
}

func (s *captureSink) Publish(_ context.Context, ev workflow.Event) {
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *captureSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

func (s *captureSink) find(eventType string) (workflow.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range s.events {
		if ev.Type == eventType {
			return ev, true
		}
	}
	return workflow.Event{}, false
}

// testImage returns a small valid PNG upload.
func testImage(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 48, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 48; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// rpcMessageText digs the text payload out of a message/send request body.
func rpcMessageText(t *testing.T, r *http.Request) string {
	t.Helper()
	var req struct {
		Params struct {
			Message a2a.Message `json:"message"`
		} `json:"params"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		t.Errorf("decode rpc request: %v", err)
		return ""
	}
	for _, p := range req.Params.Message.Parts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func rpcTextResponse(text string) string {
	parts, _ := json.Marshal(text)
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":"1","result":{"role":"agent","parts":[{"kind":"text","text":%s}]}}`, parts)
}

// fakeAgent serves an agent card and a canned message/send handler.
func fakeAgent(t *testing.T, name string, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && r.URL.Path == "/.well-known/agent.json" {
			_ = json.NewEncoder(w).Encode(a2a.AgentCard{
				Name:    name,
				URL:     srv.URL,
				Version: "1.0.0",
				Skills:  []a2a.AgentSkill{{ID: "skill", Name: "Skill"}},
			})
			return
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

const visionReply = "Code output: counted 12 boxes\n\n12 cardboard boxes on the shelf.\n\nSearch terms: cardboard shipping boxes"

func visionAgent(t *testing.T, primaryDelay, secondaryDelay time.Duration) *httptest.Server {
	return fakeAgent(t, "Vision Inspection Agent", func(w http.ResponseWriter, r *http.Request) {
		text := rpcMessageText(t, r)
		var payload struct {
			ImageBase64 string `json:"image_base64"`
			Query       string `json:"query"`
		}
		if err := json.Unmarshal([]byte(text), &payload); err != nil {
			t.Errorf("vision payload not JSON: %v", err)
		}
		if payload.ImageBase64 == "" {
			t.Error("vision call missing image payload")
		}

		if payload.Query == analyzeQuery {
			time.Sleep(primaryDelay)
			_, _ = w.Write([]byte(rpcTextResponse(visionReply)))
			return
		}
		time.Sleep(secondaryDelay)
		_, _ = w.Write([]byte(rpcTextResponse(`box_2d: [100, 100, 400, 400] box`)))
	})
}

func supplierAgent(t *testing.T, reply string, gotQuery *string) *httptest.Server {
	return fakeAgent(t, "Supplier Agent", func(w http.ResponseWriter, r *http.Request) {
		text := rpcMessageText(t, r)
		var payload struct {
			Query string `json:"query"`
		}
		_ = json.Unmarshal([]byte(text), &payload)
		if gotQuery != nil {
			*gotQuery = payload.Query
		}
		_, _ = w.Write([]byte(rpcTextResponse(reply)))
	})
}

const supplierReply = `{"part": "Cardboard Box L", "supplier": "Acme Packaging", "match_confidence": "99.1%"}`

func testWorkflow(visionURL, supplierURL string, sinks ...workflow.Sink) *Workflow {
	return NewWorkflow(
		a2a.NewClient(time.Second),
		nil,
		nil,
		config.Agents{
			VisionURL:   visionURL,
			SupplierURL: supplierURL,
			CallTimeout: 5 * time.Second,
		},
		config.Payload{MaxBytes: 500 << 10},
		config.Workflow{
			QueryMaxLen:      200,
			ProgressInterval: 50 * time.Millisecond,
			PhasePause:       0,
			RunTimeout:       10 * time.Second,
		},
		sinks...,
	)
}

func TestRunHappyPathEventOrder(t *testing.T) {
	vision := visionAgent(t, 0, 0)
	var gotQuery string
	supplier := supplierAgent(t, supplierReply, &gotQuery)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-1", testImage(t))

	want := []string{
		workflow.EventUploadComplete,
		workflow.EventDiscoveryStart,
		workflow.EventDiscoveryComplete,
		workflow.EventVisionStart,
		workflow.EventVisionComplete,
		workflow.EventDiscoveryStart,
		workflow.EventDiscoveryComplete,
		workflow.EventMemoryStart,
		workflow.EventMemoryComplete,
		workflow.EventOrderPlaced,
	}

	var got []string
	for _, typ := range sink.types() {
		if slices.Contains(want, typ) {
			got = append(got, typ)
		}
	}
	if !slices.Equal(got, want) {
		t.Errorf("event order mismatch:\n got %v\nwant %v", got, want)
	}

	// The vision agent's structured marker becomes the supplier query.
	if gotQuery != "cardboard shipping boxes" {
		t.Errorf("expected marker-derived query, got %q", gotQuery)
	}

	if ev, ok := sink.find(workflow.EventOrderPlaced); ok {
		if ev.Payload["part"] != "Cardboard Box L" || ev.Payload["supplier"] != "Acme Packaging" {
			t.Errorf("unexpected order payload: %v", ev.Payload)
		}
	}

	// The discovery events identify their agent.
	if ev, ok := sink.find(workflow.EventDiscoveryStart); ok {
		if ev.Payload["agent"] != "vision" {
			t.Errorf("first discovery must target vision, got %v", ev.Payload["agent"])
		}
	}
}

func TestVisionCallsRunConcurrently(t *testing.T) {
	// Primary 100ms, secondary 10ms: the phase joins on both, so the wall
	// clock is the max of the two, not the sum.
	vision := visionAgent(t, 100*time.Millisecond, 10*time.Millisecond)
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)

	start := time.Now()
	w.Run(context.Background(), "run-2", testImage(t))
	elapsed := time.Since(start)

	if elapsed < 100*time.Millisecond {
		t.Errorf("run finished in %v, before the primary call could complete", elapsed)
	}
	if elapsed > 190*time.Millisecond {
		t.Errorf("run took %v; vision calls appear to have run sequentially", elapsed)
	}
	if _, ok := sink.find(workflow.EventOrderPlaced); !ok {
		t.Error("expected run to complete with order_placed")
	}
}

func TestVisionDiscoveryFailureEndsRun(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	dead.Close()
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := testWorkflow(dead.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-3", testImage(t))

	types := sink.types()
	if len(types) == 0 || types[len(types)-1] != workflow.EventVisionError {
		t.Errorf("expected run to end at vision_error, got %v", types)
	}
	for _, typ := range types {
		switch typ {
		case workflow.EventMemoryStart, workflow.EventMemoryComplete, workflow.EventMemoryError, workflow.EventOrderPlaced:
			t.Errorf("no supplier-phase event may follow a vision failure, got %v", types)
		}
	}
}

func TestMalformedUploadEmitsVisionError(t *testing.T) {
	vision := visionAgent(t, 0, 0)
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-4", []byte("not an image"))

	types := sink.types()
	if types[len(types)-1] != workflow.EventVisionError {
		t.Errorf("expected vision_error for malformed upload, got %v", types)
	}
	if _, ok := sink.find(workflow.EventVisionComplete); ok {
		t.Error("vision_complete must not be emitted for a malformed upload")
	}
}

func TestVisionCompleteCarriesCodeOutputForResultText(t *testing.T) {
	// No "Code output:" marker, but the text mentions a result; the
	// observer UI still gets the full text in code_output.
	reply := "Result: 12 boxes counted on the shelf.\n\nSearch terms: cardboard boxes"
	vision := fakeAgent(t, "Vision Inspection Agent", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(rpcTextResponse(reply)))
	})
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-8", testImage(t))

	ev, ok := sink.find(workflow.EventVisionComplete)
	if !ok {
		t.Fatal("expected vision_complete")
	}
	if ev.Payload["code_output"] != reply {
		t.Errorf("expected code_output for result-bearing text, got %v", ev.Payload["code_output"])
	}
}

func TestUnparseableSupplierResultStillCompletes(t *testing.T) {
	vision := visionAgent(t, 0, 0)
	supplier := supplierAgent(t, "Closest match: Cardboard Box L from Acme", nil)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-5", testImage(t))

	ev, ok := sink.find(workflow.EventMemoryComplete)
	if !ok {
		t.Fatal("expected memory_complete for unparseable supplier text")
	}
	if ev.Payload["result"] != "Closest match: Cardboard Box L from Acme" {
		t.Errorf("expected raw text fallback, got %v", ev.Payload)
	}
	if _, ok := sink.find(workflow.EventOrderPlaced); ok {
		t.Error("no order may be placed without a structured match")
	}
}

func TestEmptySupplierResultEmitsMemoryError(t *testing.T) {
	vision := visionAgent(t, 0, 0)
	supplier := fakeAgent(t, "Supplier Agent", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":"1","result":{"role":"agent","parts":[]}}`))
	})

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)
	w.Run(context.Background(), "run-6", testImage(t))

	if _, ok := sink.find(workflow.EventMemoryError); !ok {
		t.Errorf("expected memory_error for empty supplier result, got %v", sink.types())
	}
}

func TestProgressStopsBeforeVisionComplete(t *testing.T) {
	vision := visionAgent(t, 150*time.Millisecond, 0)
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := NewWorkflow(
		a2a.NewClient(time.Second), nil, nil,
		config.Agents{VisionURL: vision.URL, SupplierURL: supplier.URL, CallTimeout: 5 * time.Second},
		config.Payload{MaxBytes: 500 << 10},
		config.Workflow{QueryMaxLen: 200, ProgressInterval: 20 * time.Millisecond, RunTimeout: 10 * time.Second},
		sink,
	)
	w.Run(context.Background(), "run-7", testImage(t))

	types := sink.types()
	progressSeen := false
	completeAt := -1
	for i, typ := range types {
		if typ == workflow.EventVisionProgress {
			progressSeen = true
			if completeAt >= 0 {
				t.Errorf("vision_progress at %d after vision_complete at %d: %v", i, completeAt, types)
			}
		}
		if typ == workflow.EventVisionComplete {
			completeAt = i
		}
	}
	if !progressSeen {
		t.Error("expected at least one synthetic vision_progress event")
	}
}

func TestStartIsAsynchronousAndSupervised(t *testing.T) {
	vision := visionAgent(t, 0, 0)
	supplier := supplierAgent(t, supplierReply, nil)

	sink := &captureSink{}
	w := testWorkflow(vision.URL, supplier.URL, sink)

	runID := w.Start(testImage(t))
	if runID == "" {
		t.Fatal("expected non-empty run id")
	}

	deadline := time.After(5 * time.Second)
	for {
		if _, ok := sink.find(workflow.EventOrderPlaced); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("run did not complete, events: %v", sink.types())
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSearchQuery(t *testing.T) {
	cases := []struct {
		name   string
		text   string
		maxLen int
		want   string
	}{
		{"marker preferred", "12 boxes.\nSearch terms: steel ball bearings\nmore", 200, "steel ball bearings"},
		{"truncated fallback", "abcdefghij", 4, "abcd"},
		{"truncation keeps rune boundary", "日本語の箱", 4, "日"},
		{"short text unchanged", "bolts", 200, "bolts"},
		{"empty falls back", "   ", 200, fallbackQuery},
		{"empty marker ignored", "Search terms:\nplain text", 200, "Search terms:\nplain text"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := searchQuery(tc.text, tc.maxLen); got != tc.want {
				t.Errorf("searchQuery(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}

func TestParseSupplierMatch(t *testing.T) {
	match, err := parseSupplierMatch(supplierReply)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if match.Part != "Cardboard Box L" || match.Supplier != "Acme Packaging" || match.Confidence != "99.1%" {
		t.Errorf("unexpected match: %+v", match)
	}

	if _, err := parseSupplierMatch("not json"); !errors.Is(err, domain.ErrParse) {
		t.Errorf("expected ErrParse for non-JSON, got %v", err)
	}
	if _, err := parseSupplierMatch(`{"part": "x"}`); !errors.Is(err, domain.ErrParse) {
		t.Errorf("expected ErrParse for missing supplier, got %v", err)
	}
}
