package context

import (
	gocontext "context"
	"regexp"
	"strings"
	"time"

	"ollm/core/provider"
)

// PreprocessConfig is the config-surface subset spec §4.8 reads: whether
// preprocessing runs at all, whether the (off-by-default) typo dictionary
// fires, whether intent extraction may place a lightweight Provider call,
// and the token cap on the extracted intent.
type PreprocessConfig struct {
	Enabled              bool
	TypoFixEnabled       bool
	UseProviderForIntent bool
	MaxIntentTokens      int
}

// DefaultPreprocessConfig matches spec §6's defaults: preprocessing on,
// typo-fixing off, intent extraction by heuristic (no Provider call) with
// a 256-token cap.
func DefaultPreprocessConfig() PreprocessConfig {
	return PreprocessConfig{
		Enabled:              true,
		TypoFixEnabled:       false,
		UseProviderForIntent: false,
		MaxIntentTokens:      256,
	}
}

// logDumpPattern matches a fenced or clearly delimited verbatim block —
// the kind of thing a user pastes alongside a one-line question.
var logDumpPattern = regexp.MustCompile("(?s)```.*?```")

// base64OrHexPattern matches a long run of base64/hex-alphabet characters:
// likely a blob, never intent-bearing prose.
var base64OrHexPattern = regexp.MustCompile(`\b[A-Za-z0-9+/=]{80,}\b`)

// stackFramePattern matches a "	at ..." / "  File \"...\", line N" style
// trace line, used to find where a stack trace starts so everything past
// its first frame can be dropped.
var stackFramePattern = regexp.MustCompile(`(?m)^\s*(at\s+\S+|File\s+".*",\s+line\s+\d+|\s+in\s+\S+\s*\(.*\))\s*$`)

// typoDictionary is a small static corrections table; off by default
// (spec §4.8 step 3) because silently rewriting user text is surprising
// unless explicitly opted into.
var typoDictionary = map[string]string{
	"teh":        "the",
	"recieve":    "receive",
	"seperate":   "separate",
	"occured":    "occurred",
	"definately": "definitely",
}

// preprocess runs the input-preprocessing pipeline (spec §4.8) best-effort:
// any step that fails or is disabled is skipped, and the pipeline never
// blocks the turn — the original text is always a safe fallback.
func (m *Manager) preprocess(ctx gocontext.Context, raw string, now time.Time) string {
	if !m.preprocessCfg.Enabled {
		return raw
	}

	text := normalizeWhitespace(raw)
	text = stripNonIntentPayloads(text)
	if m.preprocessCfg.TypoFixEnabled {
		text = fixTypos(text)
	}
	return m.extractIntent(ctx, text)
}

func normalizeWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func stripNonIntentPayloads(s string) string {
	s = logDumpPattern.ReplaceAllString(s, "[log output omitted]")
	s = base64OrHexPattern.ReplaceAllString(s, "[binary blob omitted]")
	s = truncateStackTrace(s)
	return strings.TrimSpace(s)
}

// truncateStackTrace keeps the first recognizable stack-frame line and
// drops every subsequent frame line, leaving surrounding prose intact.
func truncateStackTrace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	seenFrame := false
	for _, line := range lines {
		isFrame := stackFramePattern.MatchString(line)
		if seenFrame && isFrame {
			continue
		}
		out = append(out, line)
		if isFrame {
			seenFrame = true
		}
	}
	return strings.Join(out, "\n")
}

func fixTypos(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		lower := strings.ToLower(w)
		if fix, ok := typoDictionary[lower]; ok {
			words[i] = fix
		}
	}
	return strings.Join(words, " ")
}

// extractIntent condenses text to <= MaxIntentTokens. When UseProviderForIntent
// is set, it asks the Provider for a one-line intent statement; any failure
// (including a nil Provider) falls back to the heuristic trim, per spec
// §4.8 step 4.
func (m *Manager) extractIntent(ctx gocontext.Context, text string) string {
	if m.counter.Count(text) <= m.preprocessCfg.MaxIntentTokens {
		return text
	}

	if m.preprocessCfg.UseProviderForIntent && m.provider != nil {
		if intent, err := m.providerIntent(ctx, text); err == nil && intent != "" {
			return intent
		}
	}
	return m.heuristicIntent(text)
}

func (m *Manager) providerIntent(ctx gocontext.Context, text string) (string, error) {
	req := provider.Request{
		System: "Restate the user's message as a single concise sentence capturing their intent. Output only that sentence.",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: text},
		},
	}
	return m.provider.Summarize(ctx, req)
}

// heuristicIntent trims text to roughly MaxIntentTokens by keeping whole
// sentences until the budget is exhausted.
func (m *Manager) heuristicIntent(text string) string {
	sentences := strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == '\n' })
	var b strings.Builder
	for _, s := range sentences {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		candidate := b.String()
		if candidate != "" {
			candidate += ". "
		}
		candidate += s
		if m.counter.Count(candidate) > m.preprocessCfg.MaxIntentTokens {
			break
		}
		if b.Len() > 0 {
			b.WriteString(". ")
		}
		b.WriteString(s)
	}
	if b.Len() == 0 {
		return truncateToApproxTokens(text, m.preprocessCfg.MaxIntentTokens)
	}
	return b.String()
}
