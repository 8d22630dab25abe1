package cli

import (
	"fmt"
	"strings"

	"github.com/cuongbtq/wallet-audit/internal/api/dto"
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/store"
	"github.com/spf13/cobra"
)

func newResultsCommand() *cobra.Command {
	var (
		kind        string
		entityID    string
		auditType   string
		status      string
		minSeverity string
		limit       int
	)
	cmd := &cobra.Command{
		Use:   "results [work-item-id]",
		Short: "List audit results, or show one work item with its findings",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			backend, err := rt.Backend(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if len(args) == 1 {
				item, err := backend.Store.Get(ctx, args[0])
				if err != nil {
					return err
				}
				page, err := backend.Store.List(ctx, store.Filter{
					Kind:     store.KindFindings,
					ParentID: item.ID,
					Limit:    store.MaxPageSize,
				})
				if err != nil {
					return err
				}
				if rt.Format() == FormatTable {
					writeRecordTable(rt.writer, append([]domain.WorkItem{*item}, page.Items...))
					return nil
				}
				return writeObject(rt.writer, rt.Format(), dto.GetAuditResponse{
					Audit:    dto.FromWorkItem(*item),
					Findings: toDTOs(page.Items),
				})
			}

			filter := store.Filter{
				Kind:     store.Kind(kind),
				EntityID: entityID,
				Limit:    limit,
			}
			switch filter.Kind {
			case store.KindWorkItems, store.KindFindings, store.KindAll:
			default:
				return fmt.Errorf("unknown kind %q: use work_items, findings or all", kind)
			}
			for _, t := range splitFlag(auditType) {
				if !domain.AuditType(t).Known() {
					return fmt.Errorf("unknown audit type %q", t)
				}
				filter.AuditTypes = append(filter.AuditTypes, domain.AuditType(t))
			}
			for _, s := range splitFlag(status) {
				filter.Statuses = append(filter.Statuses, domain.Status(s))
			}
			if minSeverity != "" {
				floor := domain.Severity(minSeverity)
				if !floor.Valid() {
					return fmt.Errorf("unknown severity %q", minSeverity)
				}
				filter.Severities = domain.SeveritiesAtLeast(floor)
			}

			page, err := backend.Store.List(ctx, filter)
			if err != nil {
				return err
			}
			if rt.Format() == FormatTable {
				writeRecordTable(rt.writer, page.Items)
				return nil
			}
			return writeObject(rt.writer, rt.Format(), toDTOs(page.Items))
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(store.KindFindings), "Rows to list: work_items, findings, all")
	cmd.Flags().StringVarP(&entityID, "entity-id", "e", "", "Filter by entity")
	cmd.Flags().StringVar(&auditType, "type", "", "Filter by audit type (comma-separated)")
	cmd.Flags().StringVar(&status, "status", "", "Filter by status (comma-separated)")
	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only rows at or above this severity")
	cmd.Flags().IntVar(&limit, "limit", store.DefaultPageSize, "Maximum rows")
	return cmd
}

func splitFlag(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
