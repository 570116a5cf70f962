package pipeline

import (
	"net/http"

	"dial-proxy-go/internal/model"
	"dial-proxy-go/internal/tokens"
)

// Built-in step names, as used in configuration.
const (
	StepCollectRequestData   = "collect_request_data"
	StepValidateMessages     = "validate_messages"
	StepApplyDefaultSettings = "apply_default_settings"
	StepOverrideModel        = "override_model"
	StepLimitPromptTokens    = "limit_prompt_tokens"
)

// CollectRequestData records whether the client asked for a streamed response.
// Only a JSON boolean "stream" field counts; anything else leaves the flag false.
func CollectRequestData(pc *model.ProxyContext) Step {
	return StepFunc(func(doc model.Document) error {
		stream, _ := doc.Bool("stream")
		pc.SetStreamingRequest(stream)
		return nil
	})
}

// ValidateMessages rejects requests without a non-empty "messages" array of
// objects that each carry a string role.
func ValidateMessages(*model.ProxyContext) Step {
	return StepFunc(func(doc model.Document) error {
		raw, ok := doc["messages"]
		if !ok {
			return Reject(StepValidateMessages, http.StatusBadRequest, "messages is required")
		}
		messages, ok := raw.([]any)
		if !ok {
			return Reject(StepValidateMessages, http.StatusBadRequest, "messages must be an array")
		}
		if len(messages) == 0 {
			return Reject(StepValidateMessages, http.StatusBadRequest, "messages must not be empty")
		}
		for i, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				return Reject(StepValidateMessages, http.StatusBadRequest, "messages[%d] must be an object", i)
			}
			if _, ok := msg["role"].(string); !ok {
				return Reject(StepValidateMessages, http.StatusBadRequest, "messages[%d].role must be a string", i)
			}
		}
		return nil
	})
}

// ApplyDefaultSettings fills top-level fields missing from the request with
// the deployment's defaults. Fields the client sent, including explicit
// nulls, are left alone. Values are deep-copied so defaults stay untouched.
func ApplyDefaultSettings(defaults map[string]any) Factory {
	return func(*model.ProxyContext) Step {
		if len(defaults) == 0 {
			return noop
		}
		return StepFunc(func(doc model.Document) error {
			for key, v := range defaults {
				if !doc.Has(key) {
					doc[key] = cloneValue(v)
				}
			}
			return nil
		})
	}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []map[string]any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}

// OverrideModel replaces the request's "model" with the upstream model name.
// An empty name leaves the request unchanged.
func OverrideModel(upstreamModel string) Factory {
	return func(*model.ProxyContext) Step {
		if upstreamModel == "" {
			return noop
		}
		return StepFunc(func(doc model.Document) error {
			doc["model"] = upstreamModel
			return nil
		})
	}
}

// LimitPromptTokens counts the prompt tokens of "messages", records the count
// on the context and rejects requests above limit. A limit of 0 only counts.
// The tokenizer is chosen from upstreamModel, falling back to the request's
// "model" field.
func LimitPromptTokens(counter *tokens.Counter, upstreamModel string, limit int) Factory {
	return func(pc *model.ProxyContext) Step {
		return StepFunc(func(doc model.Document) error {
			name := upstreamModel
			if name == "" {
				name, _ = doc.String("model")
			}
			messages, _ := doc["messages"].([]any)

			n, err := counter.CountMessages(name, messages)
			if err != nil {
				return err
			}
			pc.SetPromptTokens(n)

			if limit > 0 && n > limit {
				return Reject(StepLimitPromptTokens, http.StatusBadRequest,
					"prompt is %d tokens, deployment limit is %d", n, limit)
			}
			return nil
		})
	}
}
