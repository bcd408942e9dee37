package orchestrator

import (
	"strings"

	"github.com/githubnext/xchecker/pkg/llm"
)

// PromptTemplate selects how a phase's instructions and context packet are
// assembled into the message list sent to the LLM backend.
type PromptTemplate string

const (
	TemplateDefault          PromptTemplate = "default"
	TemplateClaudeOptimized  PromptTemplate = "claude_optimized"
	TemplateOpenAiCompatible PromptTemplate = "openai_compatible"
)

const claudeOptimizedSystemMessage = "You are xchecker. Follow the <instructions> and use <context> when provided. Output only the requested document."

const openAiCompatibleSystemMessage = "You are xchecker. Follow the instructions and use the provided context."

// BuildMessages renders prompt and packet into the message list for
// template. The context section is omitted entirely when packet is empty
// after trimming.
func BuildMessages(template PromptTemplate, prompt, packet string) []llm.Message {
	trimmedPrompt := strings.TrimSpace(prompt)
	trimmedPacket := strings.TrimSpace(packet)
	hasPacket := trimmedPacket != ""

	switch template {
	case TemplateClaudeOptimized:
		var user strings.Builder
		user.WriteString("<instructions>\n")
		user.WriteString(trimmedPrompt)
		user.WriteString("\n</instructions>")
		if hasPacket {
			user.WriteString("\n<context>\n")
			user.WriteString(trimmedPacket)
			user.WriteString("\n</context>")
		}
		return []llm.Message{
			{Role: llm.RoleSystem, Content: claudeOptimizedSystemMessage},
			{Role: llm.RoleUser, Content: user.String()},
		}
	case TemplateOpenAiCompatible:
		var user strings.Builder
		user.WriteString(trimmedPrompt)
		if hasPacket {
			user.WriteString("\n\nContext:\n")
			user.WriteString(trimmedPacket)
		}
		return []llm.Message{
			{Role: llm.RoleSystem, Content: openAiCompatibleSystemMessage},
			{Role: llm.RoleUser, Content: user.String()},
		}
	default:
		var content strings.Builder
		content.WriteString(trimmedPrompt)
		if hasPacket {
			content.WriteString("\n\n# Context Packet\n")
			content.WriteString(trimmedPacket)
		}
		return []llm.Message{{Role: llm.RoleUser, Content: content.String()}}
	}
}
