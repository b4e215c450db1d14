package orchestrator

import (
	"log"

	"github.com/pkoukk/tiktoken-go"

	"github.com/skein-dev/skein/internal/protocol"
)

// countTokens estimates token usage for a message list plus system prompt.
// Uses tiktoken when the encoding is available, else the len/4 heuristic.
func countTokens(messages []protocol.Message, systemPrompt, model string) int {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}

	count := func(s string) int {
		if err != nil || enc == nil {
			return len(s) / 4
		}
		return len(enc.Encode(s, nil, nil))
	}

	total := count(systemPrompt)
	for _, msg := range messages {
		total += count(msg.Content) + 4 // Per-message overhead
		for _, tu := range msg.ToolUse {
			total += count(tu.Name) + count(string(tu.Input))
		}
		for _, tr := range msg.ToolResults {
			total += count(tr.Content)
		}
	}
	return total
}

// trimToBudget drops the oldest messages until the history fits the token
// budget. Tool call/result pairs are dropped together to keep the history
// valid for every provider family.
func trimToBudget(messages []protocol.Message, systemPrompt string, budget int, model string) []protocol.Message {
	if countTokens(messages, systemPrompt, model) <= budget {
		return messages
	}

	trimmed := messages
	for len(trimmed) > 1 && countTokens(trimmed, systemPrompt, model) > budget {
		drop := 1
		// Never split an assistant tool call from its results
		if trimmed[0].Role == "assistant" && len(trimmed[0].ToolUse) > 0 &&
			len(trimmed) > 1 && len(trimmed[1].ToolResults) > 0 {
			drop = 2
		}
		trimmed = trimmed[drop:]
	}

	// An orphan tool result can be left at the head after trimming
	trimmed = sanitizeMessages(trimmed)

	log.Printf("[Orchestrator] History trimmed: %d -> %d messages", len(messages), len(trimmed))
	return trimmed
}

// sanitizeMessages ensures every tool call has a corresponding result.
// Dangling calls and orphan results would be rejected by the provider APIs.
func sanitizeMessages(msgs []protocol.Message) []protocol.Message {
	if len(msgs) == 0 {
		return msgs
	}

	var clean []protocol.Message
	skipNext := false

	for i := 0; i < len(msgs); i++ {
		if skipNext {
			skipNext = false
			continue
		}

		msg := msgs[i]

		if msg.Role == "assistant" && len(msg.ToolUse) > 0 {
			if i+1 >= len(msgs) {
				log.Printf("[Orchestrator] Sanitizer: dropping dangling tool call at end of history (ID: %s)", msg.ToolUse[0].ID)
				continue
			}

			nextMsg := msgs[i+1]
			if nextMsg.Role != "user" || len(nextMsg.ToolResults) == 0 {
				log.Printf("[Orchestrator] Sanitizer: dropping orphaned tool call (ID: %s) followed by %s", msg.ToolUse[0].ID, nextMsg.Role)
				continue
			}

			clean = append(clean, msg, nextMsg)
			skipNext = true
			continue
		}

		if msg.Role == "user" && len(msg.ToolResults) > 0 {
			log.Printf("[Orchestrator] Sanitizer: dropping orphan tool result (ID: %s)", msg.ToolResults[0].ToolUseID)
			continue
		}

		clean = append(clean, msg)
	}

	return clean
}
