package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/api/dto"
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"gopkg.in/yaml.v3"
)

// Format selects how command results are printed
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

func parseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatTable:
		return FormatTable, nil
	case FormatJSON, FormatYAML:
		return Format(s), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", s)
	}
}

func writeObject(w io.Writer, format Format, obj any) error {
	switch format {
	case FormatJSON:
		data, err := json.MarshalIndent(obj, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	case FormatYAML:
		// Keys follow the json tags
		data, err := json.Marshal(obj)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(data, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("%s format requires a specific formatter", format)
	}
}

func writeRecordTable(w io.Writer, items []domain.WorkItem) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tTYPE\tENTITY\tSTATUS\tINVARIANT\tSEVERITY\tGAP\tATTEMPTS\tCREATED")
	for _, item := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			item.ID,
			item.AuditType,
			orDash(item.Entity()),
			item.Status,
			orDash(item.Invariant),
			orDash(severityOf(item.Severity)),
			orDash(nullDecimal(item.Gap.Valid, item.Gap.Decimal.String())),
			item.Attempts, item.MaxAttempts,
			formatTime(item.CreatedAt),
		)
	}
	_ = tw.Flush()
}

// checkRow is one evaluated invariant printed by auditctl check
type checkRow struct {
	Invariant string `json:"invariant"`
	Expected  string `json:"expected"`
	Actual    string `json:"actual"`
	Gap       string `json:"gap,omitempty"`
	Severity  string `json:"severity,omitempty"`
}

func checkRows(outcomes []domain.Outcome) []checkRow {
	rows := make([]checkRow, 0, len(outcomes))
	for _, o := range outcomes {
		row := checkRow{
			Invariant: o.Invariant,
			Expected:  o.Expected.String(),
			Actual:    o.Actual.String(),
		}
		if o.IsAnomaly() {
			row.Gap = o.Gap.String()
			row.Severity = string(o.Severity)
		}
		rows = append(rows, row)
	}
	return rows
}

func writeCheckTable(w io.Writer, rows []checkRow) {
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "INVARIANT\tEXPECTED\tACTUAL\tGAP\tSEVERITY")
	for _, r := range rows {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.Invariant, r.Expected, r.Actual, orDash(r.Gap), orDash(r.Severity))
	}
	_ = tw.Flush()
}

func toDTOs(items []domain.WorkItem) []dto.AuditDTO {
	out := make([]dto.AuditDTO, len(items))
	for i, item := range items {
		out[i] = dto.FromWorkItem(item)
	}
	return out
}

func severityOf(s *domain.Severity) string {
	if s == nil {
		return ""
	}
	return string(*s)
}

func nullDecimal(valid bool, s string) string {
	if !valid {
		return ""
	}
	return s
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
