package cli

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/wallet-audit/internal/audit/auditor"
	"github.com/cuongbtq/wallet-audit/internal/audit/domain"
	"github.com/cuongbtq/wallet-audit/internal/audit/invariant"
	"github.com/cuongbtq/wallet-audit/internal/bootstrap"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// ErrAnomaliesFound is returned by check --fail-on-anomaly when an invariant is violated
var ErrAnomaliesFound = errors.New("anomalies found")

func newCheckCommand() *cobra.Command {
	var (
		entityType    string
		invariantName string
		failOnAnomaly bool
	)
	cmd := &cobra.Command{
		Use:   "check <entity-id>",
		Short: "Run a targeted audit inline without recording results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			backend, err := rt.Backend(cmd.Context())
			if err != nil {
				return err
			}

			engine := auditor.NewEngine(auditor.EngineConfig{
				Source:   backend.Wallets,
				Checkers: invariant.NewRegistry(bootstrap.Policy(&rt.cfg.Audit)),
				Recorder: auditor.DiscardRecorder{},
				Leases:   backend.Leases,
				LeaseTTL: rt.cfg.Audit.LeaseTTL,
				Logger:   rt.logger,
			})

			entityID := args[0]
			item := &domain.WorkItem{
				ID:         uuid.NewString(),
				AuditType:  domain.AuditTypeTargeted,
				EntityType: entityType,
				EntityID:   &entityID,
				Invariant:  invariantName,
				Status:     domain.StatusProcessing,
			}

			report, err := auditor.NewTargeted(engine).Audit(cmd.Context(), item, entityType, entityID)
			if err != nil {
				return err
			}

			rows := checkRows(report.Outcomes)
			if rt.Format() == FormatTable {
				writeCheckTable(rt.writer, rows)
			} else if err := writeObject(rt.writer, rt.Format(), rows); err != nil {
				return err
			}

			if failOnAnomaly && report.Anomalies() > 0 {
				return fmt.Errorf("%w: %d (highest %s)", ErrAnomaliesFound, report.Anomalies(), report.HighestSeverity())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&entityType, "entity-type", domain.EntityTypeWallet, "Entity type")
	cmd.Flags().StringVar(&invariantName, "invariant", "", "Check a single invariant")
	cmd.Flags().BoolVar(&failOnAnomaly, "fail-on-anomaly", false, "Exit non-zero when an invariant is violated")
	return cmd
}
