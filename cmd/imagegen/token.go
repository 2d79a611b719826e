package main

import (
	"fmt"

	"github.com/jonathan/persona-imagegen/internal/config"
	"github.com/jonathan/persona-imagegen/internal/server"
	"github.com/spf13/cobra"
)

var (
	tokenSubject string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin bearer token",
	Long: `Mint a bearer token for the admin routes (invalidate, requeue, experiments).
Requires IMAGEGEN_JWT_SECRET; IMAGEGEN_JWT_EXPIRATION_HOURS sets the lifetime.`,
	Args: cobra.NoArgs,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().StringVarP(&tokenSubject, "subject", "s", "", "Who the token is issued to, recorded in admin audit logs (required)")

	if err := tokenCmd.MarkFlagRequired("subject"); err != nil {
		panic(fmt.Sprintf("failed to mark subject flag as required: %v", err))
	}

	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, _ []string) error {
	jwtCfg, err := config.NewJWTConfig()
	if err != nil {
		return err
	}
	token, err := server.NewJWTService(jwtCfg).GenerateToken(tokenSubject)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token) //nolint:errcheck
	return nil
}
