// Command zklogin-client signs a user in with zkLogin from the terminal.
//
//	zklogin-client signin google
//	zklogin-client status
//	zklogin-client signout
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mnehpets/zkauth/auth"
	"github.com/mnehpets/zkauth/config"
	"github.com/mnehpets/zkauth/session"
)

var (
	configFile string
	current    *app
)

var rootCmd = &cobra.Command{
	Use:           "zklogin-client",
	Short:         "Sign in with Google or Microsoft through zkLogin",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}
		if err := cfg.ValidateClient(); err != nil {
			return err
		}
		logger := cfg.Log.Logger(cmd.ErrOrStderr())
		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		current = a
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if current != nil {
			current.Close()
		}
	},
}

var signinCmd = &cobra.Command{
	Use:       "signin <provider>",
	Short:     "Sign in with a provider",
	Long:      "Opens the provider's consent page in the browser and waits for the redirect.",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{string(auth.Google), string(auth.Microsoft)},
	RunE:      runSignIn,
}

var signoutCmd = &cobra.Command{
	Use:   "signout",
	Short: "Forget the stored identity and key material",
	RunE:  runSignOut,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored identity",
	RunE:  runStatus,
}

var epochCmd = &cobra.Command{
	Use:   "epoch",
	Short: "Print the current network epoch",
	RunE:  runEpoch,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default ./zkauth.yaml)")
	rootCmd.AddCommand(signinCmd, signoutCmd, statusCmd, epochCmd)
}

func runSignIn(cmd *cobra.Command, args []string) error {
	p, err := auth.ParseProvider(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if err := current.manager.Start(ctx); err != nil {
		return err
	}

	signCtx, cancel := context.WithTimeout(ctx, current.cfg.Client.SignInTimeout)
	defer cancel()
	if err := current.manager.SignIn(signCtx, p); err != nil {
		switch {
		case errors.Is(err, session.ErrCancelled):
			fmt.Fprintln(cmd.OutOrStdout(), "Sign-in cancelled.")
			return nil
		case session.UserMessage(err) != "":
			fmt.Fprintln(cmd.OutOrStdout(), session.UserMessage(err))
		}
		return err
	}
	return printStatus(cmd)
}

func runSignOut(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if err := current.manager.Start(ctx); err != nil {
		current.logger.Warn().Err(err).Msg("stored state unreadable")
	}
	if err := current.manager.SignOut(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Signed out.")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	if err := current.manager.Start(cmd.Context()); err != nil {
		return err
	}
	return printStatus(cmd)
}

func printStatus(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	a := current.manager.AuthData()
	if a == nil {
		fmt.Fprintln(out, "Not signed in.")
		return nil
	}
	fmt.Fprintf(out, "Signed in with %s as %s\n", a.Provider, a.UserID)
	if a.Name != nil {
		fmt.Fprintf(out, "  name: %s\n", *a.Name)
	}
	if a.Mail != nil {
		fmt.Fprintf(out, "  mail: %s\n", *a.Mail)
	}
	if eph := current.manager.EphemeralData(); eph != nil {
		fmt.Fprintf(out, "  key material valid through epoch %d\n", eph.MaxEpoch)
	}
	return nil
}

func runEpoch(cmd *cobra.Command, args []string) error {
	e, err := current.epochs.CurrentEpoch(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), e)
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
