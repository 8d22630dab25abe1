package cli

import (
	"fmt"
	"time"

	"github.com/cuongbtq/wallet-audit/internal/api/dto"
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/spf13/cobra"
)

func newEnqueueCommand() *cobra.Command {
	var (
		auditType   string
		entityType  string
		entityID    string
		invariant   string
		at          string
		maxAttempts int
		timeout     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Schedule an audit work item",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			req := domain.EnqueueRequest{
				AuditType:      domain.AuditType(auditType),
				EntityType:     entityType,
				EntityID:       entityID,
				Invariant:      invariant,
				MaxAttempts:    maxAttempts,
				TimeoutSeconds: int(timeout / time.Second),
				Metadata:       domain.Metadata{"source": "auditctl"},
			}
			if !req.AuditType.Known() {
				return fmt.Errorf("unknown audit type %q: use targeted, periodic or global", auditType)
			}
			if req.AuditType == domain.AuditTypeTargeted && entityID == "" {
				return fmt.Errorf("--entity-id is required for targeted audits")
			}
			if req.MaxAttempts == 0 && rt.cfg != nil {
				req.MaxAttempts = rt.cfg.Audit.MaxAttempts
			}
			if at != "" {
				req.ScheduledAt, err = time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be an RFC 3339 timestamp: %w", err)
				}
			}

			backend, err := rt.Backend(cmd.Context())
			if err != nil {
				return err
			}
			item, err := backend.Store.Enqueue(cmd.Context(), req)
			if err != nil {
				return err
			}

			if rt.Format() == FormatTable {
				writeRecordTable(rt.writer, []domain.WorkItem{*item})
				return nil
			}
			return writeObject(rt.writer, rt.Format(), dto.FromWorkItem(*item))
		},
	}
	cmd.Flags().StringVarP(&auditType, "type", "t", string(domain.AuditTypeTargeted), "Audit type: targeted, periodic, global")
	cmd.Flags().StringVar(&entityType, "entity-type", domain.EntityTypeWallet, "Entity type")
	cmd.Flags().StringVarP(&entityID, "entity-id", "e", "", "Entity to audit (targeted only)")
	cmd.Flags().StringVar(&invariant, "invariant", "", "Restrict a targeted audit to one invariant")
	cmd.Flags().StringVar(&at, "at", "", "Schedule time (RFC 3339), defaults to now")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Maximum attempts, defaults to the configured value")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Per-attempt timeout")
	return cmd
}
