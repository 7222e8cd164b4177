package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// completeJSON asks the model for a JSON object and decodes it into out.
// JSON mode is tried first; if generation or parsing fails the prompt is sent
// again in text mode and the first balanced object is recovered from the reply.
func completeJSON(ctx context.Context, gen Generator, logger *zap.Logger, comp Completion, out any) error {
	comp.JSONMode = true
	resp, err := gen.GenerateCompletion(ctx, comp)
	if err == nil {
		parseErr := parseLLMResponse(resp, out)
		if parseErr == nil {
			return nil
		}
		logger.Warn("JSON mode response did not parse, retrying in text mode", zap.Error(parseErr))
	} else if ctx.Err() != nil {
		return err
	} else {
		logger.Warn("JSON mode generation failed, retrying in text mode", zap.Error(err))
	}

	comp.JSONMode = false
	resp, err = gen.GenerateCompletion(ctx, comp)
	if err != nil {
		return err
	}
	logger.Debug("text mode response", zap.String("response", truncate(resp, 500)))

	if err := parseLLMResponse(resp, out); err != nil {
		return fmt.Errorf("failed to parse LLM JSON after retry: %w", err)
	}
	return nil
}

func parseLLMResponse(resp string, out any) error {
	// Clean markdown code blocks
	cleaned := strings.TrimSpace(resp)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")

	if jsonStr, ok := extractFirstJSONObject(cleaned); ok {
		cleaned = jsonStr
	}

	return json.Unmarshal([]byte(cleaned), out)
}

// extractFirstJSONObject finds the first outermost balanced {...}
func extractFirstJSONObject(s string) (string, bool) {
	start := strings.Index(s, "{")
	if start == -1 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		char := s[i]

		if escaped {
			escaped = false
			continue
		}
		if char == '\\' {
			escaped = true
			continue
		}
		if char == '"' {
			inString = !inString
			continue
		}

		if !inString {
			switch char {
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}

	return "", false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
