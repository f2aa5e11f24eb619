package llm

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the classification prompt for a redacted description.
func BuildPrompt(description string, categories []string) string {
	var sb strings.Builder

	sb.WriteString("You are a responsible bookkeeping assistant.\n\n")
	sb.WriteString("Choose exactly ONE category for the transaction from this list:\n")
	for _, c := range categories {
		fmt.Fprintf(&sb, "- %s\n", c)
	}

	sb.WriteString("\nRules:\n")
	sb.WriteString("- Return ONLY a JSON object with the fields \"category\", \"confidence\" and \"explanation\".\n")
	sb.WriteString("- \"category\" must be copied exactly from the list above.\n")
	sb.WriteString("- \"confidence\" must be a number between 0.0 and 1.0.\n")
	sb.WriteString("- If you are unsure, use \"Needs Review\" with a confidence of 0.2 or lower.\n")
	sb.WriteString("- Keep the explanation to one short sentence.\n")

	sb.WriteString("\nExample response:\n")
	sb.WriteString(`{"category": "Travel", "confidence": 0.92, "explanation": "Ride share trip."}`)
	sb.WriteString("\n\n")

	fmt.Fprintf(&sb, "Description: %s\n", description)
	return sb.String()
}
