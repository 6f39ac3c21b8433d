package main

import (
	"errors"
	"os"

	"github.com/aman-churiwal/admission-gateway/internal/models"
	"github.com/aman-churiwal/admission-gateway/internal/repository"
	"github.com/aman-churiwal/admission-gateway/internal/service"
	"github.com/spf13/cobra"
)

var (
	operatorEmail string
	operatorName  string
	operatorRole  string
)

var operatorCmd = &cobra.Command{
	Use:   "operator",
	Short: "Manage admin operators",
}

var operatorCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an operator account",
	Long: `Create an operator for the admin API. This is the only way to create the
first operator; later ones can also be added through POST /admin/operators.

The password is read from OPERATOR_PASSWORD so it stays out of shell history.

Examples:
  OPERATOR_PASSWORD=... gateway operator create --email ops@example.com
  OPERATOR_PASSWORD=... gateway operator create --email audit@example.com --role viewer`,
	RunE: runOperatorCreate,
}

func init() {
	rootCmd.AddCommand(operatorCmd)
	operatorCmd.AddCommand(operatorCreateCmd)

	operatorCreateCmd.Flags().StringVar(&operatorEmail, "email", "", "operator email")
	operatorCreateCmd.Flags().StringVar(&operatorName, "name", "", "display name")
	operatorCreateCmd.Flags().StringVar(&operatorRole, "role", models.RoleOps, "ops or viewer")
	_ = operatorCreateCmd.MarkFlagRequired("email")
}

func runOperatorCreate(cmd *cobra.Command, args []string) error {
	password := os.Getenv("OPERATOR_PASSWORD")
	if password == "" {
		return errors.New("OPERATOR_PASSWORD is required")
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	auth := service.NewAuthService(repository.NewOperatorRepository(db), cfg.Auth.JWTSecret, cfg.Auth.JWTExpiryHours)
	op, err := auth.Register(cmd.Context(), operatorEmail, password, operatorName, operatorRole)
	if err != nil {
		return err
	}

	logger.Info().Str("operator_id", op.ID.String()).Str("email", op.Email).Str("role", op.Role).Msg("operator created")
	return nil
}
