package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/auth"
	"github.com/jmcleod/warden/lock"
	"github.com/jmcleod/warden/storage"
)

var (
	loginUser     string
	loginPassword string
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and persist the session",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if loginUser == "" {
			return errors.New("--user is required")
		}
		password, err := secret(cmd.InOrStdin(), cmd.ErrOrStderr(), loginPassword, "WARDEN_PASSWORD", "Password")
		if err != nil {
			return err
		}

		s, err := a.client.Authenticate(ctx, loginUser, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		s.LocalID = a.localID()
		if !a.svc.Login(ctx, s) {
			return errors.New("session could not be logged in")
		}
		a.svc.PersistSession(ctx)
		if _, err := a.store.Load(ctx, *a.localID()); err != nil {
			return fmt.Errorf("session was not persisted: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (user %s, session %s)\n", loginUser, s.UserID, s.UID)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the session and forget it locally",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.resume(ctx); err != nil {
			return err
		}
		a.svc.Logout(ctx, auth.LogoutOptions{Broadcast: true})
		fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Resume the session and show its state",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		ids, err := a.store.List(ctx)
		if err != nil {
			return fmt.Errorf("listing sessions: %w", err)
		}
		fmt.Fprintf(out, "Stored sessions: %v\n", ids)

		if err := a.resume(ctx); err != nil {
			if errors.Is(err, errNotLoggedIn) {
				fmt.Fprintf(out, "State:           %s\n", auth.StateUnauthenticated)
				return nil
			}
			return err
		}

		st := a.svc.Store()
		fmt.Fprintf(out, "State:           %s\n", a.svc.State())
		fmt.Fprintf(out, "Session:         %s\n", st.UID())
		fmt.Fprintf(out, "User:            %s\n", st.UserID())
		status := st.LockStatus()
		if status == lock.StatusUnknown {
			status = "unknown"
		}
		fmt.Fprintf(out, "Lock:            %s\n", status)
		if ttl := st.LockTTL(); ttl > 0 {
			fmt.Fprintf(out, "Lock TTL:        %s\n", ttl)
		}
		return nil
	},
}

var forgetCmd = &cobra.Command{
	Use:   "forget",
	Short: "Remove the persisted session without contacting the backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.store.Remove(ctx, *a.localID()); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Forgot session %d\n", *a.localID())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, statusCmd, forgetCmd)
	loginCmd.Flags().StringVarP(&loginUser, "user", "u", "", "Account name")
	loginCmd.Flags().StringVar(&loginPassword, "password", "", "Account password (default: $WARDEN_PASSWORD or prompt)")
}
