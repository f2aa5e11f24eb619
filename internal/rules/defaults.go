package rules

// DefaultRules returns the built-in merchant table.
func DefaultRules() []Rule {
	keyword := func(category string, patterns ...string) []Rule {
		out := make([]Rule, 0, len(patterns))
		for _, p := range patterns {
			out = append(out, Rule{Name: p, Pattern: p, Category: category})
		}
		return out
	}

	var table []Rule
	table = append(table, keyword("Travel", "uber", "lyft", "delta", "united", "american airlines")...)
	table = append(table, keyword("Meals & Entertainment", "starbucks", "mcdonald", "ubereats", "uber eats")...)
	table = append(table, keyword("Software / SaaS", "dropbox", "atlassian", "slack")...)
	table = append(table, keyword("Subscriptions", "spotify", "netflix")...)
	table = append(table, keyword("Utilities", "verizon", "t mobile", "comcast")...)
	table = append(table,
		Rule{
			Name:     "payroll deposit",
			Pattern:  `\b(direct dep(osit)?|payroll|salary)\b`,
			Category: "Income",
			IsRegex:  true,
			Priority: 10,
		},
		Rule{
			Name:     "ad platforms",
			Pattern:  `\b(google ads|facebk ads|facebook ads|linkedin ads)\b`,
			Category: "Advertising & Marketing",
			IsRegex:  true,
		},
	)
	return table
}
