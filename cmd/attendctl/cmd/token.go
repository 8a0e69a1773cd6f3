package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"campusattend/internal/auth"
)

var (
	tokenSubject string
	tokenRole    string
	tokenTTL     time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Access token helpers",
}

var tokenIssueCmd = &cobra.Command{
	Use:   "issue",
	Short: "Sign an access token for a user id and role",
	Example: `  attendctl token issue --sub user-lecturer-3 --role lecturer
  attendctl token issue --sub user-student-42 --role student --ttl 2h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := load()
		if err != nil {
			return err
		}
		role := auth.Role(tokenRole)
		if !role.Valid() {
			return fmt.Errorf("unknown role %q", tokenRole)
		}
		ttl := tokenTTL
		if ttl <= 0 {
			ttl = cfg.AccessTTL
		}
		token, exp, err := auth.Issue(tokenSubject, role, cfg.JWTIssuer, cfg.JWTSigningKey, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
		return nil
	},
}

func init() {
	tokenIssueCmd.Flags().StringVar(&tokenSubject, "sub", "", "User id placed in the token subject")
	tokenIssueCmd.Flags().StringVar(&tokenRole, "role", "", "admin, lecturer, hod, staff or student")
	tokenIssueCmd.Flags().DurationVar(&tokenTTL, "ttl", 0, "Token lifetime (defaults to ACCESS_TTL)")
	_ = tokenIssueCmd.MarkFlagRequired("sub")
	_ = tokenIssueCmd.MarkFlagRequired("role")

	tokenCmd.AddCommand(tokenIssueCmd)
	rootCmd.AddCommand(tokenCmd)
}
