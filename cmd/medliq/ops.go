package main

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"medliq-cloud/internal/auth"
	deductions "medliq-cloud/internal/deductions/domain"
	"medliq-cloud/internal/period"
	"medliq-cloud/internal/seed"
	settlementapp "medliq-cloud/internal/settlement/application"
	"medliq-cloud/migrations"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newMigrateCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags, true)
			if err != nil {
				return err
			}
			db, err := openDB(cmd.Context(), cfg.Database.URL)
			if err != nil {
				return err
			}
			defer db.Close()
			applied, err := migrations.Apply(cmd.Context(), db)
			if err != nil {
				return err
			}
			logger.Info("migrations applied", zap.Strings("names", applied))
			return nil
		},
	}
}

func newSeedCmd(flags *rootFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load billed-service records and deduction master data from YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				return errors.New("--file is required")
			}
			cfg, logger, err := bootstrap(flags, true)
			if err != nil {
				return err
			}
			ds, err := seed.LoadFile(file)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			stats, err := seed.Apply(cmd.Context(), a.settlementStore, a.deductionStore, ds, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML fixture path")
	return cmd
}

func newSettleCmd(flags *rootFlags) *cobra.Command {
	var (
		rawPeriod  string
		insurerID  int64
		numberBase string
	)
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Open the period summary if needed and build the next settlement for an insurer",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := period.Parse(rawPeriod)
			if err != nil {
				return err
			}
			cfg, logger, err := bootstrap(flags, true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			summary, err := a.settlements.OpenSummary(cmd.Context(), p)
			if err != nil {
				return err
			}
			res, err := a.settlements.CreateSettlement(cmd.Context(), settlementapp.CreateSettlementInput{
				SummaryID:  summary.ID,
				InsurerID:  insurerID,
				Period:     p,
				NumberBase: numberBase,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, res.Settlement)
		},
	}
	cmd.Flags().StringVar(&rawPeriod, "period", "", "settlement period (YYYY-MM)")
	cmd.Flags().Int64Var(&insurerID, "insurer", 0, "insurer id")
	cmd.Flags().StringVar(&numberBase, "number-base", "", "settlement number base")
	_ = cmd.MarkFlagRequired("period")
	_ = cmd.MarkFlagRequired("insurer")
	return cmd
}

func newChargesCmd(flags *rootFlags) *cobra.Command {
	var (
		summaryID   int64
		deductionID int64
		specialtyID int64
		amount      string
		percentage  string
	)
	cmd := &cobra.Command{
		Use:   "charges",
		Short: "Generate charges for a deduction definition or specialty",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (deductionID == 0) == (specialtyID == 0) {
				return errors.New("exactly one of --deduction or --specialty is required")
			}
			overrides, err := parseOverrides(amount, percentage)
			if err != nil {
				return err
			}
			cfg, logger, err := bootstrap(flags, true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if deductionID != 0 {
				res, err := a.charges.GenerateCharges(cmd.Context(), summaryID, deductionID, overrides)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			}
			res, err := a.charges.GenerateSpecialtyCharges(cmd.Context(), summaryID, specialtyID, overrides)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&summaryID, "summary", 0, "settlement summary id")
	cmd.Flags().Int64Var(&deductionID, "deduction", 0, "deduction definition id")
	cmd.Flags().Int64Var(&specialtyID, "specialty", 0, "specialty id")
	cmd.Flags().StringVar(&amount, "amount", "", "override the fixed amount")
	cmd.Flags().StringVar(&percentage, "percentage", "", "override the percentage")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func parseOverrides(amount, percentage string) (deductions.Overrides, error) {
	var o deductions.Overrides
	if amount != "" {
		v, err := decimal.NewFromString(amount)
		if err != nil {
			return o, err
		}
		o.Amount = &v
	}
	if percentage != "" {
		v, err := decimal.NewFromString(percentage)
		if err != nil {
			return o, err
		}
		o.Percentage = &v
	}
	return o, nil
}

func newAllocateCmd(flags *rootFlags) *cobra.Command {
	var summaryID int64
	cmd := &cobra.Command{
		Use:   "allocate",
		Short: "Apply outstanding deduction balances against the summary's funds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := bootstrap(flags, true)
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, logger, false)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.allocator.ApplyDeductions(cmd.Context(), summaryID)
			if err != nil {
				return err
			}
			return printJSON(cmd, res)
		},
	}
	cmd.Flags().Int64Var(&summaryID, "summary", 0, "settlement summary id")
	_ = cmd.MarkFlagRequired("summary")
	return cmd
}

func newTokenCmd(flags *rootFlags) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for local use",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := bootstrap(flags, false)
			if err != nil {
				return err
			}
			r, ok := auth.NormalizeRole(role)
			if !ok {
				return errors.New("role must be viewer, clerk or admin")
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.JWTSecret), subject, r, ttl)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write([]byte(token + "\n"))
			return err
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleViewer), "viewer, clerk or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
