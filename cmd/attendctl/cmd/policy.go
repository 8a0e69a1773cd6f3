package cmd

import (
	"context"
	"encoding/json"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"campusattend/internal/attendance"
	"campusattend/internal/auth"
	"campusattend/internal/bootstrap"
	"campusattend/internal/config"
)

var (
	policyDepartment  string
	policyPhoto       bool
	policyFingerprint bool
	policyOTP         bool
	policyTimeout     int
)

// operator acts on behalf of whoever runs attendctl.
var operator = auth.Principal{ID: "attendctl", Role: auth.RoleAdmin}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Department anti-cheat settings",
}

var policyGetCmd = &cobra.Command{
	Use:   "get",
	Short: "Print the effective settings of a department",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *attendance.Service) error {
			p, err := svc.Policy(cmd.Context(), operator, policyDepartment)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		})
	},
}

var policySetCmd = &cobra.Command{
	Use:     "set",
	Short:   "Store the settings of a department",
	Example: `  attendctl policy set --department dept-cs --photo=false --fingerprint --timeout 600`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withService(cmd.Context(), func(svc *attendance.Service) error {
			p, err := svc.UpsertPolicy(cmd.Context(), operator, attendance.Policy{
				DepartmentID:             policyDepartment,
				RequirePhoto:             policyPhoto,
				RequireDeviceFingerprint: policyFingerprint,
				RequireOTP:               policyOTP,
				SessionTimeout:           policyTimeout,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		})
	},
}

func withService(ctx context.Context, fn func(*attendance.Service) error) error {
	cfg, log, err := load()
	if err != nil {
		return err
	}
	db, err := bootstrap.OpenDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(newPolicyService(attendance.NewPostgres(db), cfg, log))
}

func newPolicyService(store attendance.Store, cfg config.App, log *zap.Logger) *attendance.Service {
	return attendance.NewService(store, attendance.Config{Validity: cfg.SessionValidity}, attendance.WithLogger(log))
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	policyCmd.PersistentFlags().StringVar(&policyDepartment, "department", "", "Department id")
	_ = policyCmd.MarkPersistentFlagRequired("department")

	policySetCmd.Flags().BoolVar(&policyPhoto, "photo", true, "Require a selfie on scan")
	policySetCmd.Flags().BoolVar(&policyFingerprint, "fingerprint", false, "Require a device fingerprint on scan")
	policySetCmd.Flags().BoolVar(&policyOTP, "otp", false, "Require an OTP (stored only)")
	policySetCmd.Flags().IntVar(&policyTimeout, "timeout", attendance.DefaultSessionTimeout, "Session validity in seconds (30-3600)")

	policyCmd.AddCommand(policyGetCmd, policySetCmd)
	rootCmd.AddCommand(policyCmd)
}
