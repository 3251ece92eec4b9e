package queue

import "encoding/json"

// Usage is the token accounting of one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

type usageShape struct {
	provider string
	object   string
	input    string
	output   string
}

// usageShapes are tried in order; the first whose object carries either
// token field wins.
var usageShapes = []usageShape{
	{provider: "openai", object: "usage", input: "prompt_tokens", output: "completion_tokens"},
	{provider: "anthropic", object: "usage", input: "input_tokens", output: "output_tokens"},
	{provider: "gemini", object: "usageMetadata", input: "promptTokenCount", output: "candidatesTokenCount"},
}

func (s usageShape) match(body map[string]any) (map[string]any, bool) {
	obj, ok := body[s.object].(map[string]any)
	if !ok {
		return nil, false
	}
	_, hasIn := obj[s.input]
	_, hasOut := obj[s.output]
	return obj, hasIn || hasOut
}

func (s usageShape) extract(obj map[string]any) Usage {
	return Usage{
		InputTokens:  tokenCount(obj[s.input]),
		OutputTokens: tokenCount(obj[s.output]),
	}
}

// ExtractUsage reads token usage from a raw provider response, defaulting to zero
// when the body is not JSON or matches no known shape.
func ExtractUsage(raw []byte) Usage {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return Usage{}
	}

	for _, shape := range usageShapes {
		if obj, ok := shape.match(body); ok {
			return shape.extract(obj)
		}
	}
	return Usage{}
}

func tokenCount(v any) int {
	if n, ok := v.(float64); ok && n > 0 {
		return int(n)
	}
	return 0
}
