package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/aleks-frontend/ai-hero/internal/ai"
	"github.com/aleks-frontend/ai-hero/internal/search"
)

type scriptedStep struct {
	events []ai.StreamEvent
	err    error
}

// fakeProvider replays one scripted step per StreamStep call and records
// the conversation it was given.
type fakeProvider struct {
	mu    sync.Mutex
	steps []scriptedStep
	seen  [][]ai.Message
}

func (f *fakeProvider) StreamStep(ctx context.Context, messages []ai.Message, tools []ai.Tool) (<-chan ai.StreamEvent, <-chan error) {
	f.mu.Lock()
	var step scriptedStep
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	cp := make([]ai.Message, len(messages))
	copy(cp, messages)
	f.seen = append(f.seen, cp)
	f.mu.Unlock()

	events := make(chan ai.StreamEvent, len(step.events))
	errs := make(chan error, 1)
	for _, ev := range step.events {
		events <- ev
	}
	close(events)
	if step.err != nil {
		errs <- step.err
	}
	close(errs)
	return events, errs
}

func (f *fakeProvider) stepCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.seen)
}

type fakeSearcher struct {
	mu      sync.Mutex
	queries []string
	results []search.Result
	err     error

	// when set, Search blocks until the context is cancelled
	blockOnCtx bool
	blocked    chan struct{}
}

func (f *fakeSearcher) Search(ctx context.Context, query string) ([]search.Result, error) {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	f.mu.Unlock()

	if f.blockOnCtx {
		if f.blocked != nil {
			close(f.blocked)
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func discardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func toolCallStep(id, query string) scriptedStep {
	return scriptedStep{events: []ai.StreamEvent{
		{ToolCall: &ai.ToolCall{ID: id, Name: "searchWeb", Arguments: `{"query":"` + query + `"}`}},
	}}
}

func textStep(deltas ...string) scriptedStep {
	evs := make([]ai.StreamEvent, 0, len(deltas))
	for _, d := range deltas {
		evs = append(evs, ai.StreamEvent{Text: d})
	}
	return scriptedStep{events: evs}
}

func drain(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not finish, got %d events so far", len(out))
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func TestStreamTurnTextOnly(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{textStep("Hello", " world")}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	history := []Message{userMsg("m1", "say hello")}
	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-text",
		Title:   "say hello",
		History: history,
	}))

	want := []EventType{EventText, EventText, EventDone}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}
	if events[0].Delta+events[1].Delta != "Hello world" {
		t.Errorf("deltas = %q %q", events[0].Delta, events[1].Delta)
	}

	ch, err := store.GetChat(context.Background(), "c-text", 1)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	if len(ch.Messages) != 2 {
		t.Fatalf("got %d messages, want history + assistant", len(ch.Messages))
	}
	asst := ch.Messages[1]
	if asst.Role != "assistant" || asst.MessageID == "" {
		t.Errorf("assistant message malformed: %+v", asst)
	}
	if len(asst.Parts) != 1 || asst.Parts[0].Text != "Hello world" {
		t.Errorf("assistant parts = %+v", asst.Parts)
	}
}

func TestStreamTurnToolFlow(t *testing.T) {
	store := testStore(t)
	results := []search.Result{{Title: "Go", Link: "https://go.dev", Snippet: "The Go language"}}
	searcher := &fakeSearcher{results: results}
	provider := &fakeProvider{steps: []scriptedStep{
		toolCallStep("call_1", "golang"),
		textStep("Go is a language"),
	}}
	orch := NewOrchestrator(store, provider, searcher, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-tool",
		Title:   "golang",
		History: []Message{userMsg("m1", "golang")},
	}))

	want := []EventType{EventToolCall, EventToolResult, EventText, EventDone}
	got := eventTypes(events)
	if len(got) != len(want) {
		t.Fatalf("got events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got events %v, want %v", got, want)
		}
	}

	if events[0].ToolCallID != "call_1" || events[0].ToolName != "searchWeb" {
		t.Errorf("tool-call event = %+v", events[0])
	}
	wantResult, _ := json.Marshal(results)
	if string(events[1].Result) != string(wantResult) {
		t.Errorf("tool-result = %s, want %s", events[1].Result, wantResult)
	}

	if len(searcher.queries) != 1 || searcher.queries[0] != "golang" {
		t.Errorf("searcher queries = %v", searcher.queries)
	}

	// the second step must see the tool result in the conversation
	if provider.stepCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.stepCount())
	}
	second := provider.seen[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Errorf("second step should end with the tool result, got %+v", last)
	}

	ch, err := store.GetChat(context.Background(), "c-tool", 1)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	parts := ch.Messages[1].Parts
	if len(parts) != 2 {
		t.Fatalf("assistant parts = %+v", parts)
	}
	inv := parts[0].ToolInvocation
	if inv == nil || inv.State != ToolStateResult || inv.ToolName != "searchWeb" {
		t.Errorf("tool invocation part = %+v", parts[0])
	}
	if parts[1].Text != "Go is a language" {
		t.Errorf("text part = %+v", parts[1])
	}
}

func TestStreamTurnToolErrorContinues(t *testing.T) {
	store := testStore(t)
	searcher := &fakeSearcher{err: errors.New("serper is down")}
	provider := &fakeProvider{steps: []scriptedStep{
		toolCallStep("call_1", "anything"),
		textStep("I could not search"),
	}}
	orch := NewOrchestrator(store, provider, searcher, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-toolerr",
		Title:   "anything",
		History: []Message{userMsg("m1", "anything")},
	}))

	got := eventTypes(events)
	if got[len(got)-1] != EventDone {
		t.Fatalf("a failed tool must not fail the turn, got %v", got)
	}

	var result string
	for _, ev := range events {
		if ev.Type == EventToolResult {
			result = string(ev.Result)
		}
	}
	if result != `{"error":"web search failed"}` {
		t.Errorf("tool-result = %s", result)
	}
}

func TestStreamTurnModelErrorNoPersist(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{
		{events: []ai.StreamEvent{{Text: "partial"}}, err: errors.New("upstream 500")},
	}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-modelerr",
		Title:   "t",
		History: []Message{userMsg("m1", "t")},
	}))

	last := events[len(events)-1]
	if last.Type != EventError || last.Message != "Oops, an error occurred!" {
		t.Fatalf("last event = %+v, want generic error", last)
	}
	for _, ev := range events {
		if ev.Type == EventDone {
			t.Fatal("done must not follow an error")
		}
	}

	if _, err := store.GetChat(context.Background(), "c-modelerr", 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("failed turn must not be checkpointed, got %v", err)
	}
}

func TestStreamTurnCancelDuringSearch(t *testing.T) {
	store := testStore(t)
	searcher := &fakeSearcher{blockOnCtx: true, blocked: make(chan struct{})}
	provider := &fakeProvider{steps: []scriptedStep{
		toolCallStep("call_1", "slow query"),
		textStep("never reached"),
	}}
	orch := NewOrchestrator(store, provider, searcher, nil, discardLogger(), 10)

	ctx, cancel := context.WithCancel(context.Background())
	out := orch.StreamTurn(ctx, Turn{
		UserID:  1,
		ChatID:  "c-cancel",
		Title:   "t",
		History: []Message{userMsg("m1", "t")},
	})

	// cancel once the search is actually in flight
	select {
	case <-searcher.blocked:
		cancel()
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("search never started")
	}

	events := drain(t, out)
	for _, ev := range events {
		if ev.Type == EventToolResult || ev.Type == EventDone {
			t.Fatalf("cancelled turn emitted %s", ev.Type)
		}
	}

	if _, err := store.GetChat(context.Background(), "c-cancel", 1); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Fatalf("cancelled turn must not be checkpointed, got %v", err)
	}
}

func TestStreamTurnNewChatAnnouncesID(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{textStep("hi")}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-new",
		NewChat: true,
		Title:   "hello",
		History: []Message{userMsg("m1", "hello")},
	}))

	got := eventTypes(events)
	if len(got) < 2 || got[len(got)-2] != EventNewChat || got[len(got)-1] != EventDone {
		t.Fatalf("want new-chat then done at the tail, got %v", got)
	}
	if events[len(events)-2].ChatID != "c-new" {
		t.Errorf("new-chat event carries %q", events[len(events)-2].ChatID)
	}
}

func TestStreamTurnStepBound(t *testing.T) {
	store := testStore(t)
	searcher := &fakeSearcher{results: []search.Result{{Title: "t", Link: "https://x", Snippet: "s"}}}
	// the model keeps asking for searches; the loop must stop anyway
	provider := &fakeProvider{steps: []scriptedStep{
		toolCallStep("call_1", "q1"),
		toolCallStep("call_2", "q2"),
		toolCallStep("call_3", "q3"),
	}}
	orch := NewOrchestrator(store, provider, searcher, nil, discardLogger(), 2)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-bound",
		Title:   "t",
		History: []Message{userMsg("m1", "t")},
	}))

	if provider.stepCount() != 2 {
		t.Fatalf("provider called %d times, want 2", provider.stepCount())
	}
	if eventTypes(events)[len(events)-1] != EventDone {
		t.Fatalf("bounded turn should still finish, got %v", eventTypes(events))
	}
	// the transcript is still written when the step cap is hit
	if _, err := store.GetChat(context.Background(), "c-bound", 1); err != nil {
		t.Fatalf("GetChat: %v", err)
	}
}

func TestStreamTurnLanguageInstruction(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{textStep("zdravo")}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:   1,
		ChatID:   "c-lang",
		Title:    "t",
		Language: "Serbian",
		History:  []Message{userMsg("m1", "pozdrav")},
	}))

	first := provider.seen[0][0]
	if first.Role != "system" {
		t.Fatalf("conversation must open with the system message, got %q", first.Role)
	}
	if !strings.Contains(first.Content, "Always respond in Serbian") {
		t.Errorf("system message missing language rule: %q", first.Content)
	}
}

func TestStreamTurnEmitsCitations(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{
		{events: []ai.StreamEvent{
			{Text: "See the docs"},
			{Citation: &ai.Citation{URL: "https://go.dev/doc", Title: "Go docs"}},
		}},
	}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-cite",
		Title:   "docs",
		History: []Message{userMsg("m1", "docs")},
	}))

	var src *Source
	for _, ev := range events {
		if ev.Type == EventSource {
			src = ev.Source
		}
	}
	if src == nil || src.URL != "https://go.dev/doc" || src.ID == "" {
		t.Fatalf("source event = %+v", src)
	}

	ch, err := store.GetChat(context.Background(), "c-cite", 1)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	parts := ch.Messages[1].Parts
	foundSource := false
	for _, p := range parts {
		if p.Type == PartTypeSource && p.Source.URL == "https://go.dev/doc" {
			foundSource = true
		}
	}
	if !foundSource {
		t.Fatalf("citation not persisted, parts = %+v", parts)
	}
}

func TestStreamTurnPersistsPartsInEmissionOrder(t *testing.T) {
	store := testStore(t)
	provider := &fakeProvider{steps: []scriptedStep{
		{events: []ai.StreamEvent{
			{Text: "Go was released in 2009"},
			{Citation: &ai.Citation{URL: "https://go.dev/history", Title: "History"}},
			{Text: " and is still maintained"},
		}},
	}}
	orch := NewOrchestrator(store, provider, &fakeSearcher{}, nil, discardLogger(), 10)

	events := drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  1,
		ChatID:  "c-order",
		Title:   "history",
		History: []Message{userMsg("m1", "history")},
	}))

	streamed := eventTypes(events)
	wantStream := []EventType{EventText, EventSource, EventText, EventDone}
	for i := range wantStream {
		if i >= len(streamed) || streamed[i] != wantStream[i] {
			t.Fatalf("streamed %v, want %v", streamed, wantStream)
		}
	}

	ch, err := store.GetChat(context.Background(), "c-order", 1)
	if err != nil {
		t.Fatalf("GetChat: %v", err)
	}
	parts := ch.Messages[1].Parts
	gotTypes := make([]PartType, len(parts))
	for i, p := range parts {
		gotTypes[i] = p.Type
	}
	wantParts := []PartType{PartTypeText, PartTypeSource, PartTypeText}
	if len(gotTypes) != len(wantParts) {
		t.Fatalf("persisted parts %v, want %v", gotTypes, wantParts)
	}
	for i := range wantParts {
		if gotTypes[i] != wantParts[i] {
			t.Fatalf("persisted parts %v, want %v", gotTypes, wantParts)
		}
	}
	if parts[0].Text != "Go was released in 2009" || parts[2].Text != " and is still maintained" {
		t.Errorf("text split across the citation is wrong: %q / %q", parts[0].Text, parts[2].Text)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []TurnEvent
}

func (r *recordingPublisher) PublishTurn(ctx context.Context, ev TurnEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func TestStreamTurnPublishesTurnEvent(t *testing.T) {
	store := testStore(t)
	pub := &recordingPublisher{}
	searcher := &fakeSearcher{results: []search.Result{{Title: "t", Link: "https://x", Snippet: "s"}}}
	provider := &fakeProvider{steps: []scriptedStep{
		toolCallStep("call_1", "q1"),
		textStep("answer"),
	}}
	orch := NewOrchestrator(store, provider, searcher, pub, discardLogger(), 10)

	drain(t, orch.StreamTurn(context.Background(), Turn{
		UserID:  9,
		ChatID:  "c-pub",
		Title:   "t",
		History: []Message{userMsg("m1", "t")},
	}))

	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.events) != 1 {
		t.Fatalf("published %d turn events, want 1", len(pub.events))
	}
	ev := pub.events[0]
	if ev.ChatID != "c-pub" || ev.UserID != 9 {
		t.Errorf("event identity = %+v", ev)
	}
	if ev.Steps != 2 || ev.ToolCalls != 1 {
		t.Errorf("steps=%d toolCalls=%d, want 2/1", ev.Steps, ev.ToolCalls)
	}
	if ev.DurationMS < 0 {
		t.Errorf("duration = %d", ev.DurationMS)
	}
}

func TestProviderMessagesReplaysToolHistory(t *testing.T) {
	history := []Message{
		userMsg("m1", "what is Go?"),
		{MessageID: "m2", Role: "assistant", Parts: PartList{
			ToolInvocationPart(&ToolInvocation{
				ToolCallID: "call_1",
				ToolName:   "searchWeb",
				State:      ToolStateResult,
				Args:       []byte(`{"query":"Go"}`),
				Result:     []byte(`[{"title":"Go","link":"https://go.dev","snippet":"s"}]`),
			}),
			TextPart("Go is a language"),
			SourcePart(&Source{ID: "s1", URL: "https://go.dev"}),
		}},
		userMsg("m3", "tell me more"),
	}

	msgs := providerMessages(history)
	if len(msgs) != 4 {
		t.Fatalf("got %d provider messages, want user, assistant, tool, user", len(msgs))
	}
	if msgs[1].Role != "assistant" || len(msgs[1].ToolCalls) != 1 {
		t.Errorf("assistant replay = %+v", msgs[1])
	}
	if msgs[1].Content != "Go is a language" {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
	if msgs[2].Role != "tool" || msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool replay = %+v", msgs[2])
	}
	if msgs[3].Role != "user" || msgs[3].Content != "tell me more" {
		t.Errorf("trailing user = %+v", msgs[3])
	}
}
