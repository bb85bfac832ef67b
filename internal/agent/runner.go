package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/datatalk-ai/datatalk/internal/llm"
	"github.com/datatalk-ai/datatalk/internal/resilience"
	"github.com/datatalk-ai/datatalk/internal/toolset"
)

// maxToolRounds bounds how many times one turn may loop through tool calls
// before the runner gives up on the model converging.
const defaultMaxToolRounds = 10

// Runner executes conversation turns against a model and a tool namespace.
type Runner struct {
	client        llm.Client
	executor      *resilience.Executor
	streamRetry   resilience.RetryPolicy
	maxToolRounds int
}

// NewRunner wires a runner. The executor guards tool invocations with the
// per-provider circuit breakers; streamRetry applies to the model stream
// itself, and only until the first token has been emitted.
func NewRunner(client llm.Client, executor *resilience.Executor) *Runner {
	return &Runner{
		client:        client,
		executor:      executor,
		streamRetry:   resilience.DefaultRetryPolicy(),
		maxToolRounds: defaultMaxToolRounds,
	}
}

// RunTurn streams one assistant turn. Events go out on events as they
// happen; the caller owns the channel and closes it after RunTurn returns.
// The returned messages are everything this turn appended to the
// conversation (assistant text, tool calls, tool results), ready to
// persist. Cancellation of ctx stops the turn at the next suspension point
// and returns ctx.Err().
func (r *Runner) RunTurn(ctx context.Context, ns *toolset.Namespace, history []llm.Message, events chan<- Event) ([]llm.Message, error) {
	tools := declareTools(ns)
	messages := append([]llm.Message(nil), history...)
	var appended []llm.Message

	for round := 0; round < r.maxToolRounds; round++ {
		content, toolCalls, err := r.streamCompletion(ctx, messages, tools, events)
		if err != nil {
			return appended, err
		}

		assistant := llm.Message{Role: "assistant", Content: content, ToolCalls: toolCalls}
		messages = append(messages, assistant)
		appended = append(appended, assistant)

		if len(toolCalls) == 0 {
			return appended, nil
		}

		// Tool calls run sequentially in the order the model issued them.
		for _, call := range toolCalls {
			if err := ctx.Err(); err != nil {
				return appended, err
			}

			toolMsg := r.dispatch(ctx, ns, call, events)
			messages = append(messages, toolMsg)
			appended = append(appended, toolMsg)
		}
	}

	return appended, fmt.Errorf("turn did not converge after %d tool rounds", r.maxToolRounds)
}

// streamCompletion runs one model call, emitting token events. The stream is
// retried on transient failure only while nothing has been emitted yet; once
// the user has seen output, a broken stream surfaces as an error rather than
// a silent restart.
func (r *Runner) streamCompletion(ctx context.Context, messages []llm.Message, tools []llm.Tool, events chan<- Event) (string, []llm.ToolCall, error) {
	var content string
	var toolCalls []llm.ToolCall
	emitted := false

	err := r.streamRetry.Do(ctx, "llm stream", func(ctx context.Context) error {
		stream, err := r.client.ChatCompletionStream(ctx, llm.ChatRequest{Messages: messages, Tools: tools})
		if err != nil {
			return err
		}

		for chunk := range stream {
			if chunk.Error != nil {
				if emitted {
					// Past the point of no return: the partial answer is
					// already on the wire.
					return resilience.Permanent(chunk.Error)
				}
				return chunk.Error
			}
			if chunk.Content != "" {
				select {
				case events <- Event{Type: EventToken, Content: chunk.Content}:
					emitted = true
					content += chunk.Content
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if chunk.Done {
				toolCalls = chunk.ToolCalls
			}
		}
		return ctx.Err()
	})
	if err != nil {
		return content, nil, err
	}
	return content, toolCalls, nil
}

// dispatch invokes one tool call and renders the outcome as a tool message.
// Invocation failures are not turn failures: the error text goes back to the
// model as the tool's result so it can react.
func (r *Runner) dispatch(ctx context.Context, ns *toolset.Namespace, call llm.ToolCall, events chan<- Event) llm.Message {
	binding, known := ns.Resolve(call.Function.Name)
	providerID := ""
	if known {
		providerID = binding.ProviderID
	}

	info := &ToolCallInfo{
		ID:        call.ID,
		Tool:      call.Function.Name,
		Provider:  providerID,
		Arguments: call.Function.Arguments,
	}
	emit(ctx, events, Event{Type: EventToolCallStarted, ToolCall: info})

	result, isError := r.invoke(ctx, ns, call, known)

	done := *info
	done.Arguments = ""
	done.Result = result
	done.IsError = isError
	emit(ctx, events, Event{Type: EventToolCallResult, ToolCall: &done})

	return llm.Message{
		Role:       "tool",
		Name:       call.Function.Name,
		ToolCallID: call.ID,
		Content:    renderResult(result, isError),
	}
}

func (r *Runner) invoke(ctx context.Context, ns *toolset.Namespace, call llm.ToolCall, known bool) (any, bool) {
	if !known {
		return fmt.Sprintf("unknown tool %q", call.Function.Name), true
	}

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return fmt.Sprintf("invalid tool arguments: %v", err), true
		}
	}

	binding, _ := ns.Resolve(call.Function.Name)

	var content any
	var isError bool
	err := r.executor.Do(ctx, binding.ProviderID, func(ctx context.Context) error {
		res, err := ns.Invoke(ctx, call.Function.Name, args)
		if err != nil {
			return err
		}
		content = res.Content
		isError = res.IsError
		return nil
	})
	if err != nil {
		log.Printf("[Agent] Tool %s failed: %v", call.Function.Name, err)
		return err.Error(), true
	}
	return content, isError
}

// declareTools converts the namespace's bindings to model tool
// declarations under their qualified names.
func declareTools(ns *toolset.Namespace) []llm.Tool {
	bindings := ns.Tools()
	out := make([]llm.Tool, 0, len(bindings))
	for _, b := range bindings {
		params := b.Tool.InputSchema
		if len(params) == 0 {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, llm.FunctionTool(
			toolset.Qualify(b.ProviderID, b.Tool.Name),
			b.Tool.Description,
			params,
		))
	}
	return out
}

func renderResult(result any, isError bool) string {
	var text string
	switch v := result.(type) {
	case string:
		text = v
	default:
		data, err := json.Marshal(v)
		if err != nil {
			text = fmt.Sprintf("%v", v)
		} else {
			text = string(data)
		}
	}
	if isError {
		return "Error: " + text
	}
	return text
}

func emit(ctx context.Context, events chan<- Event, ev Event) {
	select {
	case events <- ev:
	case <-ctx.Done():
	}
}
