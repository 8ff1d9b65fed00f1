package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/warden/auth"
)

var (
	lockPIN string
	lockTTL time.Duration
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Manage the session PIN lock",
}

var lockCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Protect the session with a PIN",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.authorized(ctx); err != nil {
			return err
		}
		pin, err := secret(cmd.InOrStdin(), cmd.ErrOrStderr(), lockPIN, "WARDEN_PIN", "PIN")
		if err != nil {
			return err
		}
		if err := a.svc.CreateLock(ctx, pin, lockTTL); err != nil {
			return err
		}
		a.svc.Wait()
		fmt.Fprintf(cmd.OutOrStdout(), "Session lock created (locks after %s of inactivity)\n", lockTTL)
		return nil
	},
}

var lockUnlockCmd = &cobra.Command{
	Use:   "unlock",
	Short: "Unlock the session with its PIN",
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
		if a.svc.State() == auth.StateAuthorized {
			fmt.Fprintln(cmd.OutOrStdout(), "Session is not locked")
			return nil
		}
		pin, err := secret(cmd.InOrStdin(), cmd.ErrOrStderr(), lockPIN, "WARDEN_PIN", "PIN")
		if err != nil {
			return err
		}
		if err := a.svc.Unlock(ctx, pin); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Session %s\n", a.svc.State())
		return nil
	},
}

var lockDeleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Remove the PIN lock",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.authorized(ctx); err != nil {
			return err
		}
		pin, err := secret(cmd.InOrStdin(), cmd.ErrOrStderr(), lockPIN, "WARDEN_PIN", "PIN")
		if err != nil {
			return err
		}
		if err := a.svc.DeleteLock(ctx, pin); err != nil {
			return err
		}
		a.svc.Wait()
		fmt.Fprintln(cmd.OutOrStdout(), "Session lock removed")
		return nil
	},
}

var lockNowCmd = &cobra.Command{
	Use:   "now",
	Short: "Lock the session immediately",
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
		a.svc.Lock(ctx, auth.LockOptions{Broadcast: true})
		fmt.Fprintln(cmd.OutOrStdout(), "Session locked")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lockCmd)
	lockCmd.AddCommand(lockCreateCmd, lockUnlockCmd, lockDeleteCmd, lockNowCmd)
	lockCmd.PersistentFlags().StringVar(&lockPIN, "pin", "", "Six digit PIN (default: $WARDEN_PIN or prompt)")
	lockCreateCmd.Flags().DurationVar(&lockTTL, "ttl", 15*time.Minute, "Inactivity after which the session locks")
}
