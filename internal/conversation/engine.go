package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/internal/observability/metrics"
	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

var engineTracer = otel.Tracer("internal/conversation/engine")

// DefaultStages is used when the operator prompt declares no stage
// markers of its own.
var DefaultStages = []string{"Introduction", "Qualification", "Closing"}

// DefaultApology is the deterministic reply sent when every completion
// attempt has failed. The conversation must never go unanswered.
const DefaultApology = "Sorry, we are experiencing a temporary issue. We will get back to you shortly."

var stageMarkerPattern = regexp.MustCompile(`\[STAGE:\s*([^\]]+)\]`)

// ExtractStages returns the ordered, de-duplicated stage names declared
// in an operator prompt, or DefaultStages when none are declared.
func ExtractStages(prompt string) []string {
	matches := stageMarkerPattern.FindAllStringSubmatch(prompt, -1)
	if len(matches) == 0 {
		return DefaultStages
	}
	seen := make(map[string]bool, len(matches))
	stages := make([]string, 0, len(matches))
	for _, m := range matches {
		name := strings.TrimSpace(m[1])
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		stages = append(stages, name)
	}
	if len(stages) == 0 {
		return DefaultStages
	}
	return stages
}

// EngineInput carries everything one AI turn needs.
type EngineInput struct {
	CombinedMessage string
	Transcript      string
	CurrentStage    string
	OperatorPrompt  string
	ProspectName    string
	Niche           string
}

// Engine builds a stage-aware prompt, calls the completion provider and
// parses its structured reply. It never fails: every error path degrades
// to a deterministic fallback so a prospect always gets an answer.
type Engine struct {
	llm         LLMClient
	modelID     string
	temperature float32
	maxTokens   int32
	apology     string
	logger      *logging.Logger
	metrics     *metrics.PipelineMetrics
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

func WithTemperature(t float32) EngineOption {
	return func(e *Engine) { e.temperature = t }
}

func WithMaxTokens(n int32) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

func WithApology(text string) EngineOption {
	return func(e *Engine) {
		if strings.TrimSpace(text) != "" {
			e.apology = text
		}
	}
}

func WithEngineMetrics(m *metrics.PipelineMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

func NewEngine(llm LLMClient, modelID string, logger *logging.Logger, opts ...EngineOption) *Engine {
	if llm == nil {
		panic("conversation: llm client cannot be nil")
	}
	if logger == nil {
		logger = logging.Default()
	}
	e := &Engine{
		llm:         llm,
		modelID:     modelID,
		temperature: 0.2,
		maxTokens:   1024,
		apology:     DefaultApology,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Respond runs one AI turn. Provider failures and malformed replies are
// absorbed here; the returned result is always sendable.
func (e *Engine) Respond(ctx context.Context, in EngineInput) TurnResult {
	ctx, span := engineTracer.Start(ctx, "engine.Respond")
	defer span.End()

	stages := ExtractStages(in.OperatorPrompt)
	system := e.buildSystemPrompt(in, stages)

	req := LLMRequest{
		Model:       e.modelID,
		System:      system,
		Messages:    []ChatMessage{{Role: ChatRoleUser, Content: in.CombinedMessage}},
		MaxTokens:   e.maxTokens,
		Temperature: e.temperature,
	}

	start := time.Now()
	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		span.RecordError(err)
		e.metrics.ObserveLLMLatency(e.modelID, "error", time.Since(start).Seconds())
		e.metrics.ObserveLLMFallback("apology")
		e.logger.Error("completion exhausted all attempts, sending fallback", "error", err)
		return TurnResult{
			Stage:    in.CurrentStage,
			Segments: []Segment{{Kind: SegmentText, Text: e.apology}},
		}
	}
	e.metrics.ObserveLLMLatency(e.modelID, "ok", time.Since(start).Seconds())

	return e.parseReply(in, stages, resp.Text)
}

func (e *Engine) buildSystemPrompt(in EngineInput, stages []string) string {
	var b strings.Builder
	b.WriteString("You are a WhatsApp sales assistant")
	if in.Niche != "" {
		fmt.Fprintf(&b, " for the %s niche", in.Niche)
	}
	b.WriteString(". Follow the operator's conversation script exactly.\n\n")

	if in.OperatorPrompt != "" {
		b.WriteString("OPERATOR SCRIPT:\n")
		b.WriteString(in.OperatorPrompt)
		b.WriteString("\n\n")
	}

	if in.ProspectName != "" {
		fmt.Fprintf(&b, "The prospect's name is %s.\n", in.ProspectName)
	}

	fmt.Fprintf(&b, "The conversation stages, in order, are: %s.\n", strings.Join(stages, ", "))
	if in.CurrentStage != "" {
		fmt.Fprintf(&b, "The conversation is currently at stage %q.\n", in.CurrentStage)
	} else if asksAboutPricing(in.CombinedMessage) {
		b.WriteString("This is a new conversation and the prospect is asking about pricing or packages; pick the stage that answers them directly.\n")
	} else {
		fmt.Fprintf(&b, "This is a new conversation; you MUST use stage %q.\n", stages[0])
	}

	if in.Transcript != "" {
		b.WriteString("\nRECENT CONVERSATION:\n")
		b.WriteString(in.Transcript)
		b.WriteString("\n")
	}

	b.WriteString(`
Reply with a single JSON object and nothing else:
{"Stage": "<one of the stage names above>", "Detail": "<optional captured details, empty string if none>", "Response": [{"type": "text", "text": "..."} or {"type": "image"|"video"|"audio", "url": "..."}]}
Response must contain at least one segment. Split long answers into multiple short text segments the way a human types separate bubbles.`)
	return b.String()
}

var pricingPattern = regexp.MustCompile(`(?i)\b(price|pricing|package|packages|cost|how much|harga|pakej|berapa)\b`)

func asksAboutPricing(message string) bool {
	return pricingPattern.MatchString(message)
}

type rawReply struct {
	Stage    string `json:"Stage"`
	Detail   string `json:"Detail"`
	Response []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		URL  string `json:"url"`
	} `json:"Response"`
}

// parseReply enforces the output contract. Any violation degrades to a
// plain text reply with the stage left unchanged rather than surfacing
// an error.
func (e *Engine) parseReply(in EngineInput, stages []string, text string) TurnResult {
	cleaned := stripCodeFence(text)

	var reply rawReply
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		e.logger.Warn("completion output was not valid JSON, degrading to text", "error", err)
		return e.degradedResult(in, cleaned)
	}

	segments := make([]Segment, 0, len(reply.Response))
	for _, seg := range reply.Response {
		kind := SegmentKind(strings.ToLower(strings.TrimSpace(seg.Type)))
		switch kind {
		case SegmentText:
			if strings.TrimSpace(seg.Text) == "" {
				continue
			}
			segments = append(segments, Segment{Kind: SegmentText, Text: seg.Text})
		case SegmentImage, SegmentVideo, SegmentAudio:
			if strings.TrimSpace(seg.URL) == "" {
				continue
			}
			segments = append(segments, Segment{Kind: kind, Text: seg.Text, URL: seg.URL})
		default:
			e.logger.Warn("completion output contained unknown segment type, degrading", "type", seg.Type)
			return e.degradedResult(in, cleaned)
		}
	}
	if len(segments) == 0 {
		e.logger.Warn("completion output contained no usable segments, degrading")
		return e.degradedResult(in, cleaned)
	}

	result := TurnResult{
		Stage:    in.CurrentStage,
		Detail:   strings.TrimSpace(reply.Detail),
		Segments: segments,
	}
	stage := strings.TrimSpace(reply.Stage)
	if canonical, ok := canonicalStage(stages, stage); ok {
		result.Stage = canonical
		result.HadStageMarker = true
	} else if stage != "" {
		e.logger.Warn("completion returned undeclared stage, keeping previous", "stage", stage)
	}
	return result
}

func (e *Engine) degradedResult(in EngineInput, raw string) TurnResult {
	body := strings.TrimSpace(raw)
	if body == "" {
		body = e.apology
	}
	return TurnResult{
		Stage:    in.CurrentStage,
		Segments: []Segment{{Kind: SegmentText, Text: body}},
	}
}

// canonicalStage resolves a model-provided stage name against the
// declared list, tolerating case drift.
func canonicalStage(stages []string, name string) (string, bool) {
	if name == "" {
		return "", false
	}
	for _, s := range stages {
		if strings.EqualFold(s, name) {
			return s, true
		}
	}
	return "", false
}

// stripCodeFence unwraps ```json ... ``` fences that models sometimes
// add despite instructions.
func stripCodeFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
