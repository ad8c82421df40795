package summarizer

import "strings"

// Option configures the extractive summarizer.
type Option func(*Extractive)

// WithSourceWeights sets per-source importance weights. Non-positive weights
// are ignored; defaultWeight applies to sources missing from the map.
func WithSourceWeights(weights map[string]float64, defaultWeight float64) Option {
	return func(s *Extractive) {
		s.weights = make(map[string]float64, len(weights))
		for source, w := range weights {
			if w > 0 {
				s.weights[source] = w
			}
		}
		if defaultWeight > 0 {
			s.defaultWeight = defaultWeight
		}
	}
}

// WithUserIdentities marks events whose actor matches one of ids as the
// user's own activity.
func WithUserIdentities(ids []string) Option {
	return func(s *Extractive) {
		s.identities = normalizeIdentities(ids)
	}
}

// WithMaxKeyPoints caps the number of key points in a result.
func WithMaxKeyPoints(n int) Option {
	return func(s *Extractive) {
		if n > 0 {
			s.maxKeyPoints = n
		}
	}
}

// AnthropicOption configures the Anthropic summarizer.
type AnthropicOption func(*Anthropic)

// WithModel sets the model name.
func WithModel(model string) AnthropicOption {
	return func(a *Anthropic) {
		if model != "" {
			a.model = model
		}
	}
}

// WithMaxTokens bounds the response length.
func WithMaxTokens(n int) AnthropicOption {
	return func(a *Anthropic) {
		if n > 0 {
			a.maxTokens = int64(n)
		}
	}
}

// WithIdentities passes the user identities to the model as context.
func WithIdentities(ids []string) AnthropicOption {
	return func(a *Anthropic) {
		a.identities = normalizeIdentities(ids)
	}
}

func normalizeIdentities(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.ToLower(strings.TrimSpace(id)); id != "" {
			out = append(out, id)
		}
	}
	return out
}
