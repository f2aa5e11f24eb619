package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/Veraticus/tally/internal/engine"
	"github.com/Veraticus/tally/internal/model"
)

// RenderDecision formats a decision with its evidence trail.
func RenderDecision(d model.Decision) string {
	var b strings.Builder

	category := d.FinalCategory
	if category == "" {
		category = "(undecided)"
	}
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Category:"), category)
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Source:"), d.Source)
	fmt.Fprintf(&b, "%s %.2f\n", BoldStyle.Render("Confidence:"), d.Confidence)
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Reliability:"), d.Reliability)
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Risk:"), riskLabel(d.RiskLevel, d.RiskScore))
	if d.NeedsReview {
		b.WriteString(FormatWarning("Needs review") + "\n")
	} else {
		b.WriteString(FormatSuccess("Auto-accepted") + "\n")
	}
	if d.PIIRedacted {
		b.WriteString(SubtleStyle.Render("Personal data was redacted before processing") + "\n")
	}

	b.WriteString("\n")
	b.WriteString(renderStatements(d.Evidence.Statements))

	title := "Decision"
	if d.TransactionID != "" {
		title += " " + d.TransactionID
	}
	return RenderBox(title, strings.TrimRight(b.String(), "\n"))
}

// RenderEvidence formats a replayed evidence trail.
func RenderEvidence(transactionID string, ev model.Evidence) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Merchant:"), ev.MerchantNormalized)
	fmt.Fprintf(&b, "%s %s\n\n", BoldStyle.Render("Summary:"), ev.Summary)
	b.WriteString(renderStatements(ev.Statements))
	return RenderBox("Evidence "+transactionID, strings.TrimRight(b.String(), "\n"))
}

// RenderCounterfactual formats a counterfactual comparison.
func RenderCounterfactual(res model.CounterfactualResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Original:"), orUndecided(res.OriginalCategory))
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("With modifier:"), orUndecided(res.NewCategory))
	if res.Changed {
		b.WriteString(FormatWarning("Category changed") + "\n")
	} else {
		b.WriteString(FormatSuccess("Category unchanged") + "\n")
	}
	if len(res.TriggerWords) > 0 {
		fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Trigger words:"), strings.Join(res.TriggerWords, ", "))
	}
	b.WriteString("\n" + res.AnalysisSummary)
	return RenderBox("Counterfactual", b.String())
}

// RenderBatchSummary formats the statistics of a batch run.
func RenderBatchSummary(s *engine.BatchSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  • Total: %d\n", s.Total)
	fmt.Fprintf(&b, "  • Needs review: %d\n", s.NeedsReviewCount)
	fmt.Fprintf(&b, "  • Undecided: %d\n", s.UndecidedCount)
	fmt.Fprintf(&b, "  • Failed: %d\n", s.FailedCount)
	b.WriteString(renderSources(s.BySource))
	fmt.Fprintf(&b, "  • Time taken: %s", s.ProcessingTime.Round(time.Millisecond))
	return RenderBox(ChartIcon+" Batch Complete", b.String())
}

// RenderEvaluation formats a golden-set evaluation report.
func RenderEvaluation(r model.EvaluationReport, maxMistakes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  • Accuracy: %.1f%% (%d/%d)\n", r.Accuracy*100, r.Correct, r.Total)
	fmt.Fprintf(&b, "  • Review rate: %.1f%% (%d)\n", r.ReviewRate*100, r.Reviewed)
	fmt.Fprintf(&b, "  • Undecided: %d\n", r.Undecided)
	b.WriteString(renderSources(r.BySource))

	if len(r.Mistakes) > 0 {
		b.WriteString("\n" + BoldStyle.Render("Mistakes:") + "\n")
		for i, m := range r.Mistakes {
			if maxMistakes > 0 && i >= maxMistakes {
				fmt.Fprintf(&b, "  … %d more\n", len(r.Mistakes)-maxMistakes)
				break
			}
			fmt.Fprintf(&b, "  %s %q expected %s, got %s (%s)\n",
				ErrorIcon, m.Description, m.Expected, orUndecided(m.Predicted), m.Source)
		}
	}
	return RenderBox(ChartIcon+" Evaluation", strings.TrimRight(b.String(), "\n"))
}

// RenderMerchants formats merchant memory as a table.
func RenderMerchants(entries []model.MerchantEntry) string {
	if len(entries) == 0 {
		return FormatInfo("Merchant memory is empty")
	}
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		verified := ""
		if e.HumanVerified {
			verified = SuccessIcon
		}
		rows = append(rows, []string{
			e.Key,
			orUndecided(e.Category),
			verified,
			fmt.Sprintf("%d", e.NumSeen),
			fmt.Sprintf("%d", e.NumOverrides),
			formatTime(e.LastSeen),
		})
	}
	return renderTable([]string{"MERCHANT", "CATEGORY", "VERIFIED", "SEEN", "OVERRIDES", "LAST SEEN"}, rows)
}

// RenderMerchant formats one merchant entry.
func RenderMerchant(e *model.MerchantEntry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\n", BoldStyle.Render("Category:"), orUndecided(e.Category))
	fmt.Fprintf(&b, "%s %t\n", BoldStyle.Render("Human verified:"), e.HumanVerified)
	fmt.Fprintf(&b, "%s %d\n", BoldStyle.Render("Seen:"), e.NumSeen)
	fmt.Fprintf(&b, "%s %d\n", BoldStyle.Render("Overrides:"), e.NumOverrides)
	fmt.Fprintf(&b, "%s %d dims, %d in history\n", BoldStyle.Render("Embedding:"), len(e.Embedding), len(e.History))
	fmt.Fprintf(&b, "%s %s", BoldStyle.Render("Last seen:"), formatTime(e.LastSeen))
	return RenderBox(e.Key, b.String())
}

// RenderAudit formats the audit trail of a transaction.
func RenderAudit(events []model.AuditEvent) string {
	if len(events) == 0 {
		return FormatInfo("No audit events")
	}
	rows := make([][]string, 0, len(events))
	for _, e := range events {
		rows = append(rows, []string{formatTime(e.CreatedAt), string(e.Kind), e.ID})
	}
	return renderTable([]string{"TIME", "KIND", "EVENT"}, rows)
}

func renderStatements(statements []string) string {
	var b strings.Builder
	for _, s := range statements {
		style := InfoStyle
		if strings.HasPrefix(s, "Risk flag") {
			style = WarningStyle
		}
		b.WriteString(style.Render("  • "+s) + "\n")
	}
	return b.String()
}

func renderSources(bySource map[model.Source]int) string {
	sources := make([]string, 0, len(bySource))
	for s := range bySource {
		sources = append(sources, string(s))
	}
	sort.Strings(sources)

	var b strings.Builder
	for _, s := range sources {
		fmt.Fprintf(&b, "  • %s: %d\n", s, bySource[model.Source(s)])
	}
	return b.String()
}

func renderTable(headers []string, rows [][]string) string {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if w := lipgloss.Width(cell); w > widths[i] {
				widths[i] = w
			}
		}
	}

	line := func(cells []string, style lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, c := range cells {
			parts[i] = TableCellStyle.Width(widths[i] + 2).Render(c)
		}
		return style.Render(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
	}

	out := []string{line(headers, TableHeaderStyle)}
	for _, row := range rows {
		out = append(out, line(row, lipgloss.NewStyle()))
	}
	return lipgloss.JoinVertical(lipgloss.Left, out...)
}

func riskLabel(level model.RiskLevel, score float64) string {
	label := fmt.Sprintf("%s (%.2f)", level, score)
	switch level {
	case model.RiskHigh:
		return ErrorStyle.Render(label)
	case model.RiskMedium:
		return WarningStyle.Render(label)
	default:
		return SuccessStyle.Render(label)
	}
}

func orUndecided(category string) string {
	if category == "" {
		return "(undecided)"
	}
	return category
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
