package compression

import (
	"encoding/json"
	"fmt"
	"strings"

	"ollm/core/provider"
)

const summarizerSystemPrompt = "You are a checkpoint summarizer for a long-running coding conversation. Produce a structured summary another model will use to continue the work. Do not continue the conversation or answer any question in it."

// summaryPromptTemplate mirrors the teacher's compactionPromptTemplate
// structure, generalized with the richer Goal/Decisions/Progress sections
// a checkpoint's KeyDecisions/FilesModified fields need to extract from.
const summaryPromptTemplate = `Summarize the conversation segment below to reduce token usage while preserving every critical detail.

**Guidelines:**
- Preserve all technical decisions, file paths, and function/type names
- Maintain chronological order of key developments
- Omit pleasantries, redundant explanations, and off-topic tangents
- Target length: 50-70%% of the original

**Conversation segment:**
%s

**Write the summary using this structure:**
## Goal
[what was being worked on]

## Key Decisions
- [decision and why]

## Files Modified
- [path: what changed]

## Current State
[where things stand after this segment]`

func buildSummaryPrompt(messages []provider.Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := roleLabel(m.Role)
		fmt.Fprintf(&b, "\n## %s\n%s\n", role, m.Content)
		for _, tc := range m.ToolCalls {
			inputJSON, _ := json.Marshal(tc.Input)
			fmt.Fprintf(&b, "\n[Tool: %s]\nInput: %s\n", tc.Name, inputJSON)
		}
		for _, tr := range m.ToolResults {
			fmt.Fprintf(&b, "\n[Tool Result]\n%s\n", tr.Content)
		}
	}
	return fmt.Sprintf(summaryPromptTemplate, b.String())
}

func roleLabel(r provider.Role) string {
	switch r {
	case provider.RoleAssistant:
		return "Assistant"
	case provider.RoleTool:
		return "Tool"
	case provider.RoleSystem:
		return "System"
	default:
		return "User"
	}
}
