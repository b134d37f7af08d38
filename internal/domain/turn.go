package domain

import "time"

// ChatTurn is a single exchange unit in a meal conversation.
type ChatTurn struct {
	ID        string    `json:"id"`
	MealID    string    `json:"mealId"`
	Content   string    `json:"content"`
	IsAI      bool      `json:"isAI"`
	CreatedAt time.Time `json:"createdAt"`
	Truncated bool      `json:"truncated"`
}

// GreetingTurn is shown ahead of every conversation's stored history.
func GreetingTurn(mealID string) ChatTurn {
	return ChatTurn{
		ID:      "greeting",
		MealID:  mealID,
		Content: "Hello, ask me anything about the meal you want to make!",
		IsAI:    true,
	}
}

// MealSummary is the subset of catalog fields used for browsing.
type MealSummary struct {
	ID       string `json:"idMeal"`
	Name     string `json:"strMeal"`
	Category string `json:"strCategory"`
	Area     string `json:"strArea"`
	Thumb    string `json:"strMealThumb"`
}
