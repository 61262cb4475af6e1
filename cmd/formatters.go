package cmd

import (
	"fmt"
	"strings"
	"time"

	"chimera/core"
	"chimera/ingest"
	"chimera/storage"

	"github.com/fatih/color"
)

// renderAlertsTable displays alerts in a formatted table.
func renderAlertsTable(alerts []*core.Alert, total int64) {
	if len(alerts) == 0 {
		warningColor.Println("No alerts found")
		return
	}

	headerColor.Println("ALERTS")
	headerColor.Println(strings.Repeat("=", 110))
	fmt.Printf("%-10s %-30s %-10s %-13s %-16s %-6s %-15s\n",
		"ID", "Title", "Severity", "Status", "Hostname", "Dupes", "Created")
	fmt.Println(strings.Repeat("-", 110))

	for _, alert := range alerts {
		fmt.Printf("%-10s %-30s %-10s %-13s %-16s %-6d %-15s\n",
			shortID(alert.ID),
			truncate(alert.Title, 29),
			alert.Severity,
			formatAlertStatus(alert.Status),
			truncate(alert.Hostname, 15),
			alert.DuplicateCount,
			formatTimeSince(alert.CreatedAt))
	}

	fmt.Println(strings.Repeat("=", 110))
	fmt.Printf("Showing %d of %d alerts\n", len(alerts), total)
}

// renderAlertDetails displays one alert in full.
func renderAlertDetails(alert *core.Alert) {
	headerColor.Println("═══════════════════════════════════════════════════════════════")
	headerColor.Printf("  Alert: %s\n", alert.Title)
	headerColor.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()

	printSection("Identity")
	printField("ID", alert.ID)
	printField("External ID", alert.ExternalID)
	printField("Source", alert.Source)
	printField("Fingerprint", alert.DedupFingerprint)
	fmt.Println()

	printSection("Classification")
	printField("Severity", alert.Severity)
	printField("Category", alert.Category)
	printField("Status", formatAlertStatus(alert.Status))
	if len(alert.MitreTechniques) > 0 {
		printField("MITRE Techniques", strings.Join(alert.MitreTechniques, ", "))
	}
	fmt.Println()

	printSection("Network")
	printField("Source IP", alert.SourceIP)
	printField("Dest IP", alert.DestIP)
	printField("Hostname", alert.Hostname)
	if len(alert.Observables) > 0 {
		printField("Observables", strings.Join(alert.Observables, ", "))
	}
	fmt.Println()

	printSection("Dedup")
	if alert.DuplicateOf != "" {
		printField("Duplicate Of", alert.DuplicateOf)
	}
	printField("Duplicate Count", fmt.Sprintf("%d", alert.DuplicateCount))
	if len(alert.DuplicateMembers) > 0 {
		printField("Members", strings.Join(alert.DuplicateMembers, ", "))
	}
	fmt.Println()

	printSection("Timestamps")
	printField("Created At", formatTime(alert.CreatedAt))
	printField("Updated At", formatTime(alert.UpdatedAt))
	fmt.Println()
}

// renderScoredAlerts displays a correlation ranking.
func renderScoredAlerts(alertID string, scored []core.ScoredAlert) {
	if len(scored) == 0 {
		warningColor.Println("No correlated alerts above the threshold")
		return
	}

	headerColor.Printf("CORRELATED WITH %s\n", shortID(alertID))
	headerColor.Println(strings.Repeat("=", 95))
	fmt.Printf("%-7s %-10s %-30s %-16s %-16s %-15s\n",
		"Score", "ID", "Title", "Source IP", "Hostname", "Created")
	fmt.Println(strings.Repeat("-", 95))

	for _, sc := range scored {
		fmt.Printf("%-7.3f %-10s %-30s %-16s %-16s %-15s\n",
			sc.Score,
			shortID(sc.Alert.ID),
			truncate(sc.Alert.Title, 29),
			sc.Alert.SourceIP,
			truncate(sc.Alert.Hostname, 15),
			formatTimeSince(sc.Alert.CreatedAt))
	}

	fmt.Println(strings.Repeat("=", 95))
}

// renderStatistics displays the deduplication aggregate.
func renderStatistics(stats *core.CorrelationStatistics) {
	headerColor.Println("═══════════════════════════════════════════════════════════════")
	headerColor.Println("  Correlation Statistics")
	headerColor.Println("═══════════════════════════════════════════════════════════════")
	fmt.Println()

	printSection("Range")
	printField("From", formatTime(stats.RangeStart))
	printField("To", formatTime(stats.RangeEnd))
	fmt.Println()

	printSection("Volume")
	printField("Total Alerts", fmt.Sprintf("%d", stats.TotalAlerts))
	printField("Unique Alerts", fmt.Sprintf("%d", stats.UniqueAlerts))
	printField("Merged Duplicates", fmt.Sprintf("%d", stats.MergedDuplicates))
	printField("Deduplication Rate", fmt.Sprintf("%.1f%%", stats.DeduplicationRate))
	fmt.Println()

	printSection("Distinct Entities")
	printField("Source IPs", fmt.Sprintf("%d", stats.DistinctSourceIPs))
	printField("Dest IPs", fmt.Sprintf("%d", stats.DistinctDestIPs))
	printField("Hostnames", fmt.Sprintf("%d", stats.DistinctHostnames))
	fmt.Println()
}

// renderBatchResult summarizes a batch ingest.
func renderBatchResult(batch *ingest.BatchResult) {
	if batch.Accepted > 0 {
		successColor.Printf("✓ ingested %d alerts\n", batch.Accepted)
	}

	var merged int
	for _, r := range batch.Results {
		if r.Submit != nil && r.Submit.Outcome == core.OutcomeMerged {
			merged++
		}
	}
	if merged > 0 {
		infoColor.Printf("  %d merged into existing originals\n", merged)
	}

	if len(batch.Failures) > 0 {
		errorColor.Printf("✗ %d records rejected:\n", len(batch.Failures))
		for _, f := range batch.Failures {
			fmt.Printf("    [%d] %s\n", f.Index, f.Reason)
		}
	}
}

// renderAuditEntries displays merge audit rows.
func renderAuditEntries(entries []storage.AuditEntry, since, until time.Time) {
	if len(entries) == 0 {
		warningColor.Printf("No merges recorded between %s and %s\n", formatTime(since), formatTime(until))
		return
	}

	headerColor.Println("MERGE AUDIT")
	headerColor.Println(strings.Repeat("=", 100))
	fmt.Printf("%-10s %-10s %-18s %-20s %-20s\n",
		"Original", "Duplicate", "Fingerprint", "Merged At", "Recorded At")
	fmt.Println(strings.Repeat("-", 100))

	for _, e := range entries {
		fmt.Printf("%-10s %-10s %-18s %-20s %-20s\n",
			shortID(e.OriginalID),
			shortID(e.DuplicateID),
			truncate(e.Fingerprint, 17),
			formatTime(e.MergedAt),
			formatTime(e.RecordedAt))
	}

	fmt.Println(strings.Repeat("=", 100))
	fmt.Printf("%d merges\n", len(entries))
}

// printSection prints a section header.
func printSection(title string) {
	headerColor.Printf("  %s\n", title)
	headerColor.Println("  " + strings.Repeat("─", len(title)))
}

// printField prints a key-value field.
func printField(key, value string) {
	if value == "" {
		value = "(not set)"
	}
	fmt.Printf("  %-20s %s\n", key+":", value)
}

// formatAlertStatus returns a colored status string.
func formatAlertStatus(status core.AlertStatus) string {
	switch status {
	case core.AlertStatusActive:
		return color.New(color.FgGreen).Sprint("active")
	case core.AlertStatusMerged:
		return color.New(color.FgYellow).Sprint("merged")
	case core.AlertStatusResolved:
		return color.New(color.FgCyan).Sprint("resolved")
	case core.AlertStatusFalsePositive, core.AlertStatusSuppressed:
		return color.New(color.FgHiBlack).Sprint(string(status))
	default:
		return string(status)
	}
}

// shortID returns the first 8 characters of an id.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate shortens s to max characters with an ellipsis.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

// formatTime formats a timestamp.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}
	return t.Format("2006-01-02 15:04:05")
}

// formatTimeSince formats time since a timestamp.
func formatTimeSince(t time.Time) string {
	if t.IsZero() {
		return "Never"
	}

	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return fmt.Sprintf("%ds ago", int(duration.Seconds()))
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
}
