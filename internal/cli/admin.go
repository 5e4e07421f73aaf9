package cli

import (
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/wispberry-tech/wispy-session/core"
)

func newCleanupCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire idle sessions and purge old attempts and lockouts once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.auth.Cleanup(cmd.Context())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "sessions expired: %d\n", report.SessionsExpired)
			fmt.Fprintf(out, "attempts purged:  %d\n", report.AttemptsPurged)
			fmt.Fprintf(out, "lockouts purged:  %d\n", report.LockoutsPurged)
			return err
		},
	}
}

func newSessionsCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and terminate user sessions",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "count <user-id>",
		Short: "Show the active sessions of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.auth.CountActiveSessions(cmd.Context(), userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "active sessions: %d\n", count)

			session, err := a.auth.ActiveSession(cmd.Context(), userID)
			if err != nil {
				return err
			}
			if session != nil {
				fmt.Fprintf(out, "created:       %s\n", session.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "last activity: %s\n", session.LastActivity.Format(time.RFC3339))
				fmt.Fprintf(out, "origin:        %s %s\n", session.IPAddress, session.UserAgent)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "force-logout <user-id>",
		Short: "Terminate every active session of a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			count, err := a.auth.ForceLogout(cmd.Context(), userID)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "terminated sessions: %d\n", count)
			return nil
		},
	})

	return cmd
}

func newLockoutCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lockout",
		Short: "Inspect and clear login lockouts",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "status <identifier>",
		Short: "Show whether an identifier is locked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			status, err := a.auth.CheckLockout(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if status.Locked {
				fmt.Fprintf(out, "locked until %s (%d seconds)\n",
					status.LockedUntil.Format(time.RFC3339), int(status.Remaining.Seconds()))
			} else {
				fmt.Fprintln(out, "open")
			}
			fmt.Fprintf(out, "failures: %d of %d\n", status.AttemptCount, a.auth.SecurityConfig().MaxLoginAttempts)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "clear <identifier>",
		Short: "Unlock an identifier and reset its failure count",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.auth.ClearLockout(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", core.NormalizeIdentifier(args[0]))
			return nil
		},
	})

	return cmd
}

func newUserCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	var req core.NewUser
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an account, reading the password from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readSecret(cmd, "Password: ")
			if err != nil {
				return err
			}
			req.Password = password

			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			user, err := a.auth.CreateUser(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", user.ID, user.Username)
			return nil
		},
	}
	create.Flags().StringVarP(&req.Username, "username", "u", "", "Username")
	create.Flags().StringVarP(&req.Email, "email", "e", "", "Email address")
	create.Flags().StringVar(&req.Role, "role", "user", "Role (user or admin)")
	create.MarkFlagRequired("username")

	cmd.AddCommand(create)
	return cmd
}

func newHashCommand() *cobra.Command {
	var legacy bool
	var cost int

	cmd := &cobra.Command{
		Use:   "hash",
		Short: "Hash a secret read from stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := readSecret(cmd, "Secret: ")
			if err != nil {
				return err
			}

			if legacy {
				fmt.Fprintln(cmd.OutOrStdout(), core.LegacyDigest(secret))
				return nil
			}

			hasher, err := core.NewHasher(cost, 1)
			if err != nil {
				return err
			}
			hash, err := hasher.Hash(cmd.Context(), secret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}

	cmd.Flags().BoolVar(&legacy, "legacy", false, "Emit the legacy unsalted SHA-256 format")
	cmd.Flags().IntVar(&cost, "cost", core.DefaultSecurityConfig().BcryptCost, "bcrypt cost")
	return cmd
}

func newSchemaCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Create missing tables and list the schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			manager := core.NewSchemaManager(a.db, a.driver)
			if err := manager.ValidateSchema(); err != nil {
				return err
			}
			info, err := manager.GetSchemaInfo()
			if err != nil {
				return err
			}

			tables := make([]string, 0, len(info.Tables))
			for name := range info.Tables {
				tables = append(tables, name)
			}
			slices.Sort(tables)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "database: %s\n", info.DatabaseType)
			for _, name := range tables {
				table := info.Tables[name]
				fmt.Fprintf(out, "  %-16s %8d rows  %d indexes\n", name, table.Rows, len(table.Indexes))
			}
			return nil
		},
	}
}

func parseUserID(s string) (uint, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return uint(id), nil
}
