package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aqilrvsb/dev-muse-automaton-sub005/pkg/logging"
)

type stubLLMClient struct {
	responses []LLMResponse
	errs      []error
	calls     int
	requests  []LLMRequest
	// onComplete, when set, runs on every call. Lets tests cancel the
	// turn's context mid-flight.
	onComplete func()
}

func (s *stubLLMClient) Complete(_ context.Context, req LLMRequest) (LLMResponse, error) {
	s.requests = append(s.requests, req)
	if s.onComplete != nil {
		s.onComplete()
	}
	idx := s.calls
	s.calls++
	var err error
	if idx < len(s.errs) {
		err = s.errs[idx]
	}
	if err != nil {
		return LLMResponse{}, err
	}
	if idx < len(s.responses) {
		return s.responses[idx], nil
	}
	return LLMResponse{Text: "{}"}, nil
}

const scriptedPrompt = `Welcome them warmly.
[STAGE: Greeting]
Ask what they need.
[STAGE: Discovery]
Close the sale.
[STAGE: Closing]`

func TestExtractStages(t *testing.T) {
	stages := ExtractStages(scriptedPrompt)
	if len(stages) != 3 {
		t.Fatalf("expected 3 stages, got %v", stages)
	}
	if stages[0] != "Greeting" || stages[1] != "Discovery" || stages[2] != "Closing" {
		t.Fatalf("unexpected stage order: %v", stages)
	}
}

func TestExtractStagesDefaults(t *testing.T) {
	stages := ExtractStages("just a plain prompt with no markers")
	if len(stages) != 3 || stages[0] != "Introduction" {
		t.Fatalf("expected default stages, got %v", stages)
	}
}

func TestExtractStagesDedupes(t *testing.T) {
	stages := ExtractStages("[STAGE: A] text [STAGE: B] more [STAGE: A]")
	if len(stages) != 2 || stages[0] != "A" || stages[1] != "B" {
		t.Fatalf("expected deduped [A B], got %v", stages)
	}
}

func TestRespondParsesContract(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: `{"Stage":"Discovery","Detail":"name: Ali","Response":[{"type":"text","text":"Hi Ali!"},{"type":"image","url":"https://cdn.example.com/menu.jpg"}]}`,
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{
		CombinedMessage: "hello",
		CurrentStage:    "Greeting",
		OperatorPrompt:  scriptedPrompt,
	})
	if res.Stage != "Discovery" {
		t.Fatalf("expected stage transition, got %q", res.Stage)
	}
	if !res.HadStageMarker {
		t.Fatalf("expected stage marker flag")
	}
	if res.Detail != "name: Ali" {
		t.Fatalf("expected detail captured, got %q", res.Detail)
	}
	if len(res.Segments) != 2 || res.Segments[0].Kind != SegmentText || res.Segments[1].Kind != SegmentImage {
		t.Fatalf("unexpected segments: %+v", res.Segments)
	}
}

func TestRespondStripsCodeFence(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: "```json\n{\"Stage\":\"Greeting\",\"Response\":[{\"type\":\"text\",\"text\":\"hey\"}]}\n```",
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{CombinedMessage: "hi", OperatorPrompt: scriptedPrompt})
	if res.Stage != "Greeting" || len(res.Segments) != 1 || res.Segments[0].Text != "hey" {
		t.Fatalf("expected fenced JSON parsed, got %+v", res)
	}
}

func TestRespondDegradesOnParseFailure(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{Text: "Sure! Here is my answer without JSON."}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{
		CombinedMessage: "hi",
		CurrentStage:    "Discovery",
		OperatorPrompt:  scriptedPrompt,
	})
	if res.Stage != "Discovery" {
		t.Fatalf("expected stage held on parse failure, got %q", res.Stage)
	}
	if res.HadStageMarker {
		t.Fatalf("expected no stage marker on degraded reply")
	}
	if len(res.Segments) != 1 || res.Segments[0].Text != "Sure! Here is my answer without JSON." {
		t.Fatalf("expected raw text segment, got %+v", res.Segments)
	}
}

func TestRespondApologyOnProviderFailure(t *testing.T) {
	stub := &stubLLMClient{errs: []error{errors.New("throttled")}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{
		CombinedMessage: "hi",
		CurrentStage:    "Greeting",
		OperatorPrompt:  scriptedPrompt,
	})
	if res.Stage != "Greeting" {
		t.Fatalf("expected stage unchanged on failure, got %q", res.Stage)
	}
	if len(res.Segments) != 1 || res.Segments[0].Text != DefaultApology {
		t.Fatalf("expected apology segment, got %+v", res.Segments)
	}
}

func TestRespondRejectsUndeclaredStage(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: `{"Stage":"MadeUpStage","Response":[{"type":"text","text":"ok"}]}`,
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{
		CombinedMessage: "hi",
		CurrentStage:    "Greeting",
		OperatorPrompt:  scriptedPrompt,
	})
	if res.Stage != "Greeting" || res.HadStageMarker {
		t.Fatalf("expected previous stage kept, got %+v", res)
	}
}

func TestRespondDegradesOnEmptySegments(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: `{"Stage":"Greeting","Response":[]}`,
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	res := e.Respond(context.Background(), EngineInput{CombinedMessage: "hi", OperatorPrompt: scriptedPrompt})
	if len(res.Segments) != 1 || res.Segments[0].Kind != SegmentText {
		t.Fatalf("expected degraded text segment, got %+v", res.Segments)
	}
}

func TestSystemPromptForcesFirstStageOnNewConversation(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: `{"Stage":"Greeting","Response":[{"type":"text","text":"hi"}]}`,
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	e.Respond(context.Background(), EngineInput{CombinedMessage: "hello", OperatorPrompt: scriptedPrompt})
	if len(stub.requests) != 1 {
		t.Fatalf("expected one request")
	}
	system := stub.requests[0].System
	if !strings.Contains(system, `you MUST use stage "Greeting"`) {
		t.Fatalf("expected first-stage directive, system prompt was:\n%s", system)
	}
}

func TestSystemPromptSkipsDirectiveForPricingQuestion(t *testing.T) {
	stub := &stubLLMClient{responses: []LLMResponse{{
		Text: `{"Stage":"Closing","Response":[{"type":"text","text":"our packages start at..."}]}`,
	}}}
	e := NewEngine(stub, "model-1", logging.New("error"))

	e.Respond(context.Background(), EngineInput{CombinedMessage: "how much is the premium package?", OperatorPrompt: scriptedPrompt})
	system := stub.requests[0].System
	if strings.Contains(system, "MUST use stage") {
		t.Fatalf("pricing question should not force first stage:\n%s", system)
	}
	if !strings.Contains(system, "asking about pricing") {
		t.Fatalf("expected pricing directive in system prompt")
	}
}
