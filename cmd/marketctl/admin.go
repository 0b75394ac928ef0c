package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/garnizeh/servicemarket/internal/market"
	"github.com/garnizeh/servicemarket/internal/repository/sqlite"
	"github.com/garnizeh/servicemarket/pkg/models"
	"github.com/garnizeh/servicemarket/pkg/repository"
)

var createUserCmd = &cobra.Command{
	Use:   "create-user",
	Short: "Create an account",
	Long:  `Creates an account of any role. This is the only way to create admins.`,
	Args:  cobra.NoArgs,
	RunE:  runCreateUser,
}

var overrideStatusCmd = &cobra.Command{
	Use:   "override-status [request-id] [status]",
	Short: "Force a request into any status",
	Long:  `Applies an administrative status override, bypassing the state machine. The change is recorded in the request history under the admin given by --as.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runOverrideStatus,
}

var (
	userName     string
	userEmail    string
	userPassword string
	userRole     string

	overrideAs    string
	overrideNotes string
)

func init() {
	createUserCmd.Flags().StringVar(&userName, "name", "", "Display name")
	createUserCmd.Flags().StringVar(&userEmail, "email", "", "Login email")
	createUserCmd.Flags().StringVar(&userPassword, "password", "", "Login password")
	createUserCmd.Flags().StringVar(&userRole, "role", models.RoleClient, "Role: client, worker or admin")
	_ = createUserCmd.MarkFlagRequired("email")
	_ = createUserCmd.MarkFlagRequired("password")

	overrideStatusCmd.Flags().StringVar(&overrideAs, "as", "", "Email of the admin performing the override")
	overrideStatusCmd.Flags().StringVarP(&overrideNotes, "notes", "n", "", "Reason recorded in the status history")
	_ = overrideStatusCmd.MarkFlagRequired("as")

	rootCmd.AddCommand(createUserCmd)
	rootCmd.AddCommand(overrideStatusCmd)
}

func runCreateUser(cmd *cobra.Command, _ []string) error {
	switch userRole {
	case models.RoleClient, models.RoleWorker, models.RoleAdmin:
	default:
		return fmt.Errorf("unknown role %q", userRole)
	}
	if userName == "" {
		userName = userEmail
	}

	ctx := cmd.Context()
	conn, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte(userPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	repo := sqlite.New(conn, slog.Default())
	u := &models.User{Name: userName, Email: userEmail, Role: userRole, PasswordHash: string(hash)}
	if _, err := repo.CreateUser(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return fmt.Errorf("email %s is already registered", userEmail)
		}
		return fmt.Errorf("create user: %w", err)
	}

	cmd.Printf("Created %s %d (%s).\n", u.Role, u.ID, u.Email)
	return nil
}

func runOverrideStatus(cmd *cobra.Command, args []string) error {
	requestID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || requestID <= 0 {
		return fmt.Errorf("invalid request id %q", args[0])
	}
	status := args[1]

	ctx := cmd.Context()
	conn, _, err := openDB(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	repo := sqlite.New(conn, slog.Default())
	admin, err := repo.GetUserByEmail(ctx, overrideAs)
	if err != nil {
		return fmt.Errorf("lookup %s: %w", overrideAs, err)
	}
	if admin == nil {
		return fmt.Errorf("no account with email %s", overrideAs)
	}

	var notes *string
	if overrideNotes != "" {
		notes = &overrideNotes
	}

	requests := market.NewRequests(repo, repo, slog.Default())
	req, err := requests.OverrideStatus(ctx, market.Caller{ID: admin.ID, Role: admin.Role}, requestID, status, notes)
	if err != nil {
		return err
	}

	cmd.Printf("Request %d is now %s.\n", req.ID, req.Status)
	return nil
}
