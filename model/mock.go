package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/careflow/core"
)

// Script describes one scripted MockModel invocation.
type Script struct {
	// Tokens are streamed as partial chunks when the request asks for streaming.
	Tokens []string
	// Text is the final completion. Defaults to the joined Tokens.
	Text string
	// Calls turns the result into a ToolCallResult.
	Calls []ToolCall
	// Err fails the invocation after tokens were streamed.
	Err error
	// Delay is waited before every token and before the final chunk.
	Delay time.Duration
	// Block waits for context cancellation instead of completing.
	Block bool
}

// TextScript returns a script streaming text word by word.
func TextScript(text string) Script {
	words := strings.SplitAfter(text, " ")
	return Script{Tokens: words, Text: text}
}

// ToolCallScript returns a script requesting a single tool call.
func ToolCallScript(name string, args map[string]any) Script {
	return Script{Calls: []ToolCall{NewToolCall(name, args)}}
}

// NewToolCall builds a ToolCall with a generated id.
func NewToolCall(name string, args map[string]any) ToolCall {
	raw, err := json.Marshal(args)
	if err != nil || args == nil {
		raw = []byte("{}")
	}
	return ToolCall{
		ID:       "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Type:     "function",
		Function: ToolCallFunction{Name: name, Arguments: raw},
	}
}

// MockModel is a lightweight in-memory Model useful for tests & examples.
// Scripts are consumed in FIFO order; once exhausted the model answers from
// the canned prompt table or echoes the last input.
type MockModel struct {
	mu        sync.Mutex
	info      Info
	scripts   []Script
	responses map[string]string
	requests  []Request
}

// NewMockModel constructs a MockModel with basic tool support enabled.
func NewMockModel(name, provider string) *MockModel {
	return &MockModel{
		info: Info{
			Name:          name,
			Provider:      provider,
			SupportsTools: true,
		},
		responses: make(map[string]string),
	}
}

// AddResponse registers a deterministic canned completion for an input prompt.
func (m *MockModel) AddResponse(prompt, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[prompt] = response
}

// Enqueue appends scripts consumed by subsequent Generate calls.
func (m *MockModel) Enqueue(scripts ...Script) *MockModel {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts = append(m.scripts, scripts...)
	return m
}

// Requests returns a copy of every request received so far.
func (m *MockModel) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns how many times Generate was invoked.
func (m *MockModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Pending returns the number of unconsumed scripts.
func (m *MockModel) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scripts)
}

func (m *MockModel) next(req Request) Script {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests = append(m.requests, req)

	if len(m.scripts) > 0 {
		s := m.scripts[0]
		m.scripts = m.scripts[1:]
		return s
	}

	var input string
	if len(req.Contents) > 0 {
		input = req.Contents[len(req.Contents)-1].Text()
	}

	full := m.responses[input]
	if full == "" {
		full = fmt.Sprintf("Mock response to: %s", input)
	}

	return TextScript(full)
}

// Generate implements Model; emits optional streaming chunks then the final response.
func (m *MockModel) Generate(ctx context.Context, req Request) (<-chan Response, <-chan error) {
	respCh := make(chan Response, 16)
	errCh := make(chan error, 1)

	script := m.next(req)

	go func() {
		defer close(respCh)
		defer close(errCh)

		wait := func() bool {
			if script.Delay <= 0 {
				return ctx.Err() == nil
			}
			t := time.NewTimer(script.Delay)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return false
			case <-t.C:
				return true
			}
		}

		if script.Block {
			<-ctx.Done()
			errCh <- ctx.Err()
			return
		}

		if req.Stream {
			for _, tok := range script.Tokens {
				if !wait() {
					errCh <- ctx.Err()
					return
				}
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				case respCh <- Response{
					Partial: true,
					Content: core.NewTextContent(core.RoleAssistant, tok),
				}:
				}
			}
		}

		if !wait() {
			errCh <- ctx.Err()
			return
		}

		if script.Err != nil {
			errCh <- script.Err
			return
		}

		text := script.Text
		if text == "" {
			text = strings.Join(script.Tokens, "")
		}

		content := core.Content{Role: core.RoleAssistant}
		if text != "" {
			content.Parts = append(content.Parts, core.TextPart{Text: text})
		}

		finish := "stop"
		if len(script.Calls) > 0 {
			finish = "tool_calls"
			content = ToolCallsContent(ToolCallResult{Text: text, Calls: script.Calls})
		}

		select {
		case <-ctx.Done():
			errCh <- ctx.Err()
		case respCh <- Response{
			Partial:      false,
			Content:      content,
			FinishReason: finish,
			Result:       NewResult(content),
		}:
		}
	}()

	return respCh, errCh
}

// Info implements Model interface.
func (m *MockModel) Info() Info { return m.info }

// FormatResult is one scripted MockFormatter outcome.
type FormatResult struct {
	Object map[string]any
	Err    error
}

// ErrNoScript is returned by MockFormatter when nothing is scripted.
var ErrNoScript = errors.New("no scripted format result")

// MockFormatter is a scripted Formatter. Results are consumed FIFO; when
// exhausted Func is used, else ErrNoScript is returned.
type MockFormatter struct {
	mu       sync.Mutex
	results  []FormatResult
	requests []FormatRequest

	Func func(req FormatRequest) (map[string]any, error)
}

// NewMockFormatter creates a formatter returning results in order.
func NewMockFormatter(results ...FormatResult) *MockFormatter {
	return &MockFormatter{results: results}
}

// Enqueue appends a scripted result.
func (f *MockFormatter) Enqueue(obj map[string]any, err error) *MockFormatter {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, FormatResult{Object: obj, Err: err})
	return f
}

// Requests returns a copy of every request received so far.
func (f *MockFormatter) Requests() []FormatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FormatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Format implements Formatter.
func (f *MockFormatter) Format(ctx context.Context, req FormatRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		f.mu.Unlock()
		return core.CloneMap(r.Object), r.Err
	}
	fn := f.Func
	f.mu.Unlock()

	if fn != nil {
		return fn(req)
	}

	return nil, ErrNoScript
}
