package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"recipe-assistant/internal/integrations/mealdb"
)

var mealsCmd = &cobra.Command{
	Use:   "meals <query>",
	Short: "Search the meal catalog",
	Long: `Search TheMealDB by name and print the meal ids to chat about.

Examples:
  mealchat meals arrabiata
  mealchat ask --meal 52771 "How spicy is this?"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runMeals,
}

var (
	mealIDStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#D7875F")).Bold(true)
	mealNameStyle = lipgloss.NewStyle().Bold(true)
	mealMetaStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6C6C"))
)

func runMeals(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	query := strings.Join(args, " ")

	meals, err := mealdb.New(mealdb.WithBaseURL(cfg.MealDBBaseURL)).Search(ctx, query)
	if err != nil {
		return fmt.Errorf("search meals: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(meals) == 0 {
		fmt.Fprintf(out, "No meals found for %q.\n", query)
		return nil
	}
	for _, m := range meals {
		var meta []string
		for _, s := range []string{m.Category, m.Area} {
			if s != "" {
				meta = append(meta, s)
			}
		}
		fmt.Fprintf(out, "%s  %s", mealIDStyle.Render(m.ID), mealNameStyle.Render(m.Name))
		if len(meta) > 0 {
			fmt.Fprintf(out, "  %s", mealMetaStyle.Render(strings.Join(meta, " / ")))
		}
		fmt.Fprintln(out)
	}
	return nil
}
