// Package guardrail implements model allow/deny filtering, banned-regex
// body scanning, and OpenAI request-shape schema validation, compiling each
// guardrail set's regex list once on first use and caching it in a
// package-level map keyed by the *gateway.Guardrails pointer, mirroring the
// teacher's pattern of precompiling fixed patterns once at construction
// (internal/config envPattern).
package guardrail

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	gw "github.com/omne42/ditto/internal/gateway"
)

// Violation describes a guardrail rejection.
type Violation struct {
	Code    string
	Message string
}

func (v *Violation) Error() string { return v.Message }

func reject(code, msg string) *Violation { return &Violation{Code: code, Message: msg} }

var compileCache sync.Map // *gw.Guardrails -> []*regexp.Regexp

func compiledRegexes(g *gw.Guardrails) []*regexp.Regexp {
	if g == nil || len(g.BannedRegexes) == 0 {
		return nil
	}
	if v, ok := compileCache.Load(g); ok {
		return v.([]*regexp.Regexp)
	}
	out := make([]*regexp.Regexp, 0, len(g.BannedRegexes))
	for _, pat := range g.BannedRegexes {
		re, err := regexp.Compile(pat)
		if err != nil {
			continue // malformed pattern never matches; fail open on that one rule
		}
		out = append(out, re)
	}
	compileCache.Store(g, out)
	return out
}

// modelAllowed implements stage 1: deny wins over allow; deny entries may be
// exact names or trailing-"*" globs.
func modelAllowed(g *gw.Guardrails, model string) bool {
	if g == nil {
		return true
	}
	for _, pat := range g.DenyModels {
		if globMatch(pat, model) {
			return false
		}
	}
	if len(g.AllowModels) == 0 {
		return true
	}
	for _, pat := range g.AllowModels {
		if globMatch(pat, model) {
			return true
		}
	}
	return false
}

func globMatch(pattern, model string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(model, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == model
}

// Check runs stages 1-3 against a request. g is the effective guardrail
// set: a matched route's override has already been substituted for the
// key's own guardrails by the caller (stage 4 happens before Check is
// invoked — see pipeline).
func Check(g *gw.Guardrails, model string, rawBody []byte, path string) error {
	if !modelAllowed(g, model) {
		return reject("guardrail_rejected", fmt.Sprintf("model %q is not permitted", model))
	}

	for _, re := range compiledRegexes(g) {
		if re.Match(rawBody) {
			return reject("guardrail_rejected", "request body matched a banned pattern")
		}
	}

	if g != nil && g.ValidateSchema {
		if err := validateSchema(path, rawBody); err != nil {
			return err
		}
	}

	return nil
}

// validateSchema enforces the minimum required-field shape for recognised
// OpenAI paths, per spec.md §6. Uses gjson for field presence checks
// without a full unmarshal, matching the teacher's provider adapters'
// preference for gjson over encoding/json when only a few fields matter.
func validateSchema(path string, body []byte) error {
	path = strings.TrimSuffix(path, "/")
	switch {
	case strings.HasSuffix(path, "/v1/chat/completions"):
		return requireFields(body, "model", "messages")
	case strings.HasSuffix(path, "/v1/completions"):
		return requireFields(body, "model", "prompt")
	case strings.HasSuffix(path, "/v1/responses"):
		return requireFields(body, "model", "input")
	case strings.HasSuffix(path, "/v1/embeddings"):
		return requireFields(body, "model", "input")
	case strings.HasSuffix(path, "/v1/moderations"):
		return requireFields(body, "input")
	case strings.HasSuffix(path, "/v1/images/generations"):
		if !gjson.GetBytes(body, "prompt").Exists() || gjson.GetBytes(body, "prompt").String() == "" {
			return reject("guardrail_rejected", "prompt is required and must be non-empty")
		}
		return nil
	case strings.HasSuffix(path, "/v1/audio/speech"):
		return requireFields(body, "model", "input", "voice")
	case strings.HasSuffix(path, "/v1/rerank"):
		return requireFields(body, "query", "documents")
	case strings.HasSuffix(path, "/v1/batches"):
		return requireFields(body, "input_file_id", "endpoint", "completion_window")
	default:
		return nil
	}
}

func requireFields(body []byte, fields ...string) error {
	for _, f := range fields {
		r := gjson.GetBytes(body, f)
		if !r.Exists() || r.Type == gjson.Null {
			return reject("guardrail_rejected", fmt.Sprintf("missing required field %q", f))
		}
	}
	return nil
}
