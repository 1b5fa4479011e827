package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/aleks-frontend/ai-hero/internal/ai"
	"github.com/aleks-frontend/ai-hero/internal/common"
	"github.com/aleks-frontend/ai-hero/internal/logging"
	"github.com/aleks-frontend/ai-hero/internal/search"
)

const toolSearchWeb = "searchWeb"

// genericErrorMessage is the only failure text a client ever sees;
// underlying causes stay in the server logs.
const genericErrorMessage = "Oops, an error occurred!"

const baseSystemInstruction = `You are an AI assistant with access to a web search tool. Please follow these instructions:

1. Always use the search web tool to answer user questions.
2. Always cite your sources with inline links immediately after the relevant fact.
3. Always format any URLs or links in your responses using markdown link syntax: [title](url). Do not paste raw URLs; always use markdown formatting for links.
4. Always display the full cite URL in the markdown link so the user can see the source address.
`

var searchWebTool = ai.Tool{
	Name:        toolSearchWeb,
	Description: "Search the web and return ranked results with title, link and snippet.",
	Parameters: json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The query to search the web for"}
		},
		"required": ["query"]
	}`),
}

// Searcher is the single capability the orchestrator may dispatch to.
type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

// TurnEvent summarizes one completed chat turn for downstream consumers.
type TurnEvent struct {
	ChatID     string `json:"chat_id"`
	UserID     uint64 `json:"user_id"`
	Steps      int    `json:"steps"`
	ToolCalls  int    `json:"tool_calls"`
	DurationMS int64  `json:"duration_ms"`
}

// TurnPublisher fans a completed turn out to interested consumers;
// best-effort, failures are logged by the caller's orchestrator.
type TurnPublisher interface {
	PublishTurn(ctx context.Context, ev TurnEvent) error
}

// Turn is one validated chat request: the caller has authenticated the
// user, passed admission, and already checkpointed History.
type Turn struct {
	UserID   uint64
	ChatID   string
	NewChat  bool
	Title    string
	Language string
	History  []Message
}

// Orchestrator drives the bounded multi-step generation loop for a turn,
// multiplexing text deltas, tool call/result events and source citations
// onto one ordered event channel, then reconciles the full transcript back
// into the Store. It never writes storage except through the Store.
type Orchestrator struct {
	store    *Store
	provider ai.StreamProvider
	searcher Searcher
	turns    TurnPublisher
	log      *logrus.Logger
	maxSteps int
}

func NewOrchestrator(store *Store, provider ai.StreamProvider, searcher Searcher, turns TurnPublisher, log *logrus.Logger, maxSteps int) *Orchestrator {
	if maxSteps <= 0 {
		maxSteps = 10
	}
	return &Orchestrator{
		store:    store,
		provider: provider,
		searcher: searcher,
		turns:    turns,
		log:      log,
		maxSteps: maxSteps,
	}
}

// StreamTurn returns the outbound event channel for one turn. The channel
// is closed when the turn ends, whether by completion, failure, or
// cancellation of ctx.
func (o *Orchestrator) StreamTurn(ctx context.Context, turn Turn) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		o.run(ctx, turn, out)
	}()
	return out
}

func (o *Orchestrator) run(ctx context.Context, turn Turn, out chan<- Event) {
	log := logging.WithTurn(o.log, turn.ChatID, turn.UserID)
	started := time.Now()

	conv := make([]ai.Message, 0, len(turn.History)+2)
	conv = append(conv, ai.Message{Role: "system", Content: systemInstruction(turn.Language)})
	conv = append(conv, providerMessages(turn.History)...)

	var parts PartList
	steps := 0
	toolCalls := 0

	for step := 0; step < o.maxSteps; step++ {
		steps++

		events, errs := o.provider.StreamStep(ctx, conv, []ai.Tool{searchWebTool})

		// stepText is the whole step's text for the provider conversation;
		// pendingText is the not-yet-persisted tail, flushed into a part
		// before any non-text part so stored order matches emission order
		var stepText, pendingText strings.Builder
		flushText := func() {
			if pendingText.Len() > 0 {
				parts = append(parts, TextPart(pendingText.String()))
				pendingText.Reset()
			}
		}

		var calls []ai.ToolCall
		for ev := range events {
			switch {
			case ev.Text != "":
				stepText.WriteString(ev.Text)
				pendingText.WriteString(ev.Text)
				if !send(ctx, out, Event{Type: EventText, Delta: ev.Text}) {
					return
				}
			case ev.Citation != nil:
				flushText()
				src := &Source{ID: newPartID(), URL: ev.Citation.URL, Title: ev.Citation.Title}
				parts = append(parts, SourcePart(src))
				if !send(ctx, out, Event{Type: EventSource, Source: src}) {
					return
				}
			case ev.ToolCall != nil:
				calls = append(calls, *ev.ToolCall)
			}
		}

		if err := streamErr(errs); err != nil {
			if ctx.Err() != nil {
				log.Info("turn cancelled mid-generation")
				return
			}
			log.WithError(err).Error("model stream failed")
			// partial output stays visible on the client but is not
			// checkpointed as a successful transcript
			send(ctx, out, Event{Type: EventError, Message: genericErrorMessage})
			return
		}

		flushText()

		assistant := ai.Message{Role: "assistant", Content: stepText.String()}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, call)
		}
		conv = append(conv, assistant)

		if len(calls) == 0 {
			break
		}

		for _, call := range calls {
			toolCalls++

			args := normalizeArgs(call.Arguments)
			inv := &ToolInvocation{
				ToolCallID: call.ID,
				ToolName:   call.Name,
				State:      ToolStateCall,
				Args:       args,
			}
			if !send(ctx, out, Event{
				Type:       EventToolCall,
				ToolCallID: inv.ToolCallID,
				ToolName:   inv.ToolName,
				Args:       inv.Args,
			}) {
				return
			}

			result := o.executeTool(ctx, log, call)
			if ctx.Err() != nil {
				log.Info("turn cancelled during tool execution")
				return
			}

			inv.State = ToolStateResult
			inv.Result = result
			parts = append(parts, ToolInvocationPart(inv))
			if !send(ctx, out, Event{
				Type:       EventToolResult,
				ToolCallID: inv.ToolCallID,
				ToolName:   inv.ToolName,
				Result:     inv.Result,
			}) {
				return
			}

			conv = append(conv, ai.Message{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    string(result),
			})
		}
	}

	// Reconcile: one new assistant message appended to the inbound history,
	// written whole over the admission-time checkpoint. Runs detached from
	// the client connection so a disconnect after this point cannot leave a
	// half-written transcript.
	full := make([]Message, 0, len(turn.History)+1)
	full = append(full, turn.History...)
	full = append(full, Message{
		MessageID: newPartID(),
		Role:      "assistant",
		Parts:     parts,
	})

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := o.store.UpsertChat(pctx, UpsertChatParams{
		UserID:   turn.UserID,
		ChatID:   turn.ChatID,
		Title:    turn.Title,
		Messages: full,
	}); err != nil {
		// the client already has the content; log, don't surface
		log.WithError(err).Error("final transcript checkpoint failed")
	}

	if o.turns != nil {
		if err := o.turns.PublishTurn(pctx, TurnEvent{
			ChatID:     turn.ChatID,
			UserID:     turn.UserID,
			Steps:      steps,
			ToolCalls:  toolCalls,
			DurationMS: time.Since(started).Milliseconds(),
		}); err != nil {
			log.WithError(err).Warn("turn event publish failed")
		}
	}

	if turn.NewChat {
		if !send(ctx, out, Event{Type: EventNewChat, ChatID: turn.ChatID}) {
			return
		}
	}
	send(ctx, out, Event{Type: EventDone})
}

func (o *Orchestrator) executeTool(ctx context.Context, log *logrus.Entry, call ai.ToolCall) json.RawMessage {
	if call.Name != toolSearchWeb {
		log.WithField("tool", call.Name).Warn("model requested unknown tool")
		return json.RawMessage(`{"error":"unknown tool"}`)
	}

	var args struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil || strings.TrimSpace(args.Query) == "" {
		log.WithField("arguments", call.Arguments).Warn("bad search tool arguments")
		return json.RawMessage(`{"error":"invalid arguments"}`)
	}

	results, err := o.searcher.Search(ctx, args.Query)
	if err != nil {
		// tool failure is surfaced to the model, not to the stream
		log.WithError(err).WithField("query", args.Query).Warn("web search failed")
		return json.RawMessage(`{"error":"web search failed"}`)
	}

	b, err := json.Marshal(results)
	if err != nil {
		log.WithError(err).Warn("encoding search results failed")
		return json.RawMessage(`{"error":"web search failed"}`)
	}
	return b
}

func systemInstruction(language string) string {
	if language == "" {
		return baseSystemInstruction
	}
	return baseSystemInstruction + "5. Always respond in " + language + ".\n"
}

// providerMessages flattens stored messages into the provider conversation:
// text parts concatenate into content, resolved tool invocations replay as
// an assistant tool call followed by a tool result message, and source
// parts are presentation-only and not replayed.
func providerMessages(history []Message) []ai.Message {
	out := make([]ai.Message, 0, len(history))
	for _, m := range history {
		if m.Role != "assistant" {
			var text strings.Builder
			for _, p := range m.Parts {
				if p.Type == PartTypeText {
					text.WriteString(p.Text)
				}
			}
			out = append(out, ai.Message{Role: m.Role, Content: text.String()})
			continue
		}

		assistant := ai.Message{Role: "assistant"}
		var text strings.Builder
		var toolResults []ai.Message
		for _, p := range m.Parts {
			switch p.Type {
			case PartTypeText:
				text.WriteString(p.Text)
			case PartTypeToolInvocation:
				inv := p.ToolInvocation
				assistant.ToolCalls = append(assistant.ToolCalls, ai.ToolCall{
					ID:        inv.ToolCallID,
					Name:      inv.ToolName,
					Arguments: string(normalizeArgs(string(inv.Args))),
				})
				if inv.State == ToolStateResult && len(inv.Result) > 0 {
					toolResults = append(toolResults, ai.Message{
						Role:       "tool",
						ToolCallID: inv.ToolCallID,
						Content:    string(inv.Result),
					})
				}
			}
		}
		assistant.Content = text.String()
		out = append(out, assistant)
		out = append(out, toolResults...)
	}
	return out
}

func normalizeArgs(raw string) json.RawMessage {
	if strings.TrimSpace(raw) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(raw)
}

func newPartID() string {
	id, err := common.NewULID()
	if err != nil {
		return ""
	}
	return id
}

// send delivers ev unless the turn context is gone; a false return means
// the client went away and the turn should stop.
func send(ctx context.Context, out chan<- Event, ev Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// streamErr reports the provider's terminal error, if any. The events
// channel is already drained, so the error channel is either closed or
// holds exactly one value.
func streamErr(errs <-chan error) error {
	select {
	case err := <-errs:
		return err
	default:
		return nil
	}
}
