package usecase

import (
	"encoding/json"
	"strings"

	"recipe-assistant/internal/domain"
)

const defaultPersona = "You are a friendly assistant that helps with meal information. " +
	"Your responses should be short, or at least easily readable like a list. " +
	"You are also United States based."

func buildPromptMessages(persona string, meal json.RawMessage, message string) []domain.ChatMessage {
	return []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: buildSystemPrompt(persona, meal)},
		{Role: domain.RoleUser, Content: message},
	}
}

func buildSystemPrompt(persona string, meal json.RawMessage) string {
	persona = normalizePromptInput(persona)
	if persona == "" {
		persona = defaultPersona
	}
	return persona + " Here are the details of the meal: " + mealContext(meal)
}

// mealContext renders the lookup result verbatim; an absent meal is "null".
func mealContext(meal json.RawMessage) string {
	trimmed := strings.TrimSpace(string(meal))
	if trimmed == "" {
		return "null"
	}
	return trimmed
}

func normalizePromptInput(s string) string {
	return strings.Join(strings.Fields(strings.TrimSpace(s)), " ")
}
