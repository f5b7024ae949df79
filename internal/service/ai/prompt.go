package ai

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-studio/backend/internal/model/chat"
	"github.com/zhouzirui/z-studio/backend/internal/model/preset"
)

const (
	instructionSeparator = "\n\n---\n\n"
	contextHeader        = "\n\n[CONTEXT]\n"
)

// auxWrapper frames an observer's goal with the scenario and the main
// transcript it is watching.
const auxWrapper = `You are an auxiliary assistant observing a parallel conversation between a user and one or more AI partners. You do not speak in that conversation; you only answer the user of this side panel.

<ScenarioContext>
%s
</ScenarioContext>

<MainConversationContext>
%s
</MainConversationContext>

<YourGoal>
%s
</YourGoal>`

// BuildSystemInstruction resolves the agent's template, appends its private
// prompt and, when present, the shared scenario as a [CONTEXT] block.
func BuildSystemInstruction(templates []preset.SystemTemplate, p preset.Preset) string {
	var parts []string
	if tpl, ok := preset.FindTemplate(templates, p.SystemTemplateID); ok && strings.TrimSpace(tpl.Content) != "" {
		parts = append(parts, strings.TrimSpace(tpl.Content))
	}
	if prompt := strings.TrimSpace(p.SystemPrompt); prompt != "" {
		parts = append(parts, prompt)
	}

	instruction := strings.Join(parts, instructionSeparator)
	if shared := strings.TrimSpace(p.SharedPrompt); shared != "" {
		instruction += contextHeader + shared
	}
	return instruction
}

// ScenarioContext collects the distinct shared prompts of a session's main
// agents, in agent order.
func ScenarioContext(presets []preset.Preset, mainPresetIDs []string) string {
	seen := make(map[string]bool)
	var blocks []string
	for _, id := range mainPresetIDs {
		p, ok := preset.Find(presets, id)
		if !ok {
			continue
		}
		shared := strings.TrimSpace(p.SharedPrompt)
		if shared == "" || seen[shared] {
			continue
		}
		seen[shared] = true
		blocks = append(blocks, shared)
	}
	if len(blocks) == 0 {
		return "(none)"
	}
	return strings.Join(blocks, "\n\n")
}

// FormatTranscript renders the main transcript as "Main User" / "Main AI"
// lines. Replies that have not produced text yet are left out.
func FormatTranscript(messages []chat.Message) string {
	var builder strings.Builder
	for _, msg := range messages {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		if builder.Len() > 0 {
			builder.WriteString("\n")
		}
		switch msg.Role {
		case chat.RoleUser:
			builder.WriteString("Main User: ")
		default:
			if msg.SenderName != "" {
				fmt.Fprintf(&builder, "Main AI (%s): ", msg.SenderName)
			} else {
				builder.WriteString("Main AI: ")
			}
		}
		builder.WriteString(text)
	}
	if builder.Len() == 0 {
		return "(no messages yet)"
	}
	return builder.String()
}

// BuildAuxInstruction embeds scenario, transcript and goal in the observer
// wrapper.
func BuildAuxInstruction(scenario string, transcript []chat.Message, goal string) string {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		goal = "Comment on the conversation."
	}
	return fmt.Sprintf(auxWrapper, scenario, FormatTranscript(transcript), goal)
}

// AgentHistory returns what one main agent sees of the shared transcript:
// every user turn and its own replies. The message with id exclude, usually
// the turn being answered, is left out.
func AgentHistory(thread chat.Thread, presetID, exclude string) []chat.Message {
	all := thread.Messages()
	history := make([]chat.Message, 0, len(all))
	for _, msg := range all {
		if msg.ID == exclude {
			continue
		}
		switch {
		case msg.Role == chat.RoleUser:
			history = append(history, msg)
		case msg.SenderID == presetID && msg.Text != "":
			history = append(history, msg)
		}
	}
	return history
}
