package context

import "fmt"

// modePrompts holds the base system-prompt template for each operational
// mode. Tier only affects the detail suffix appended below: a higher tier
// (more available context) affords a longer working-notes reminder.
var modePrompts = map[Mode]string{
	ModeAssistant: "You are a helpful assistant collaborating with the user on their current task. Be direct and concise.",
	ModeDeveloper: "You are a software engineering assistant. Favor correctness and idiomatic code over speed. Ask before taking destructive actions.",
	ModePlanning:  "You are in planning mode. Produce a plan before writing any code; do not modify files until the plan is approved.",
	ModeDebugger:  "You are in debugging mode. Form a hypothesis, gather evidence, and narrow the root cause before proposing a fix.",
	ModeUser:      "You are operating under direct user control. Follow instructions literally and ask for clarification when ambiguous.",
}

// tierSuffix reminds the model how much headroom it has, so it can budget
// its own verbosity — a tier-1 (small-context) session gets a terser
// reminder than a tier-5 session with room for long-running notes.
func tierSuffix(tier int) string {
	switch {
	case tier <= 1:
		return "Context is limited: keep responses focused and avoid restating things already established."
	case tier >= 4:
		return "Context is generous: feel free to keep detailed working notes across turns."
	default:
		return "Keep responses reasonably concise."
	}
}

// systemPromptFor builds the system prompt for (mode, tier). It is
// regenerated (never patched in place) on every mode or tier change,
// matching ConversationContext's rule that the system prompt is a single
// message, never a place compression touches.
func systemPromptFor(mode Mode, tier int) string {
	base, ok := modePrompts[mode]
	if !ok {
		base = modePrompts[ModeAssistant]
	}
	return fmt.Sprintf("%s\n\n%s", base, tierSuffix(tier))
}
