package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/auth"
	"github.com/MarcoPoloResearchLab/diffsync/internal/catchup"
	"github.com/MarcoPoloResearchLab/diffsync/internal/client"
	"github.com/MarcoPoloResearchLab/diffsync/internal/config"
	"github.com/MarcoPoloResearchLab/diffsync/internal/logging"
	"github.com/MarcoPoloResearchLab/diffsync/internal/store"
	"github.com/MarcoPoloResearchLab/diffsync/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newTokenCommand() *cobra.Command {
	var userID, email string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			token, expiresAt, err := issueToken(appConfig, userID, email)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id carried by the token")
	cmd.Flags().StringVar(&email, "email", "", "Optional email claim")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newAccountCommand() *cobra.Command {
	var (
		userID     string
		customerID int64
		profile    string
	)
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Create or update the tenant and profile of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := store.OpenSQLite(appConfig.DatabasePath, logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			defer sqlDB.Close()

			accounts, err := users.NewService(users.ServiceConfig{Database: db})
			if err != nil {
				return err
			}
			account, err := accounts.Upsert(cmd.Context(), users.Account{
				UserID:     userID,
				CustomerID: customerID,
				Profile:    profile,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s customer=%d profile=%s\n", account.UserID, account.CustomerID, account.Profile)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id")
	cmd.Flags().Int64Var(&customerID, "customer", 0, "Customer (tenant) id")
	cmd.Flags().StringVar(&profile, "profile", "User", "Profile: None, User, Supervisor or Administrator")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("customer")
	return cmd
}

// newPullCommand loads one table through the hub and prints its items as
// JSON lines.
func newPullCommand() *cobra.Command {
	var userID, area, table, url string
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Load a table from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			token, _, err := issueToken(appConfig, userID, "")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()

			session, err := client.Dial(ctx, client.Config{
				URL:    url,
				Token:  token,
				Retry:  catchup.RetryPolicy{Count: appConfig.RetryCount, Interval: appConfig.RetryInterval},
				Logger: logger,
			})
			if err != nil {
				return err
			}
			defer session.Close() //nolint:errcheck

			if _, err := session.Initialize(ctx, area, "cli"); err != nil {
				return err
			}
			transfer, err := session.LoadTable(ctx, table)
			if err != nil {
				return err
			}
			encoder := json.NewEncoder(cmd.OutOrStdout())
			for _, item := range transfer.Items {
				if err := encoder.Encode(item); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %d items at tick %d\n", table, len(transfer.Items), transfer.Tick)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "User id to load as")
	cmd.Flags().StringVar(&area, "area", "", "Area to initialize")
	cmd.Flags().StringVar(&table, "table", "", "Table to load")
	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/hub", "Hub websocket URL")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("area")
	_ = cmd.MarkFlagRequired("table")
	return cmd
}

func issueToken(appConfig config.AppConfig, userID, email string) (string, time.Time, error) {
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	return issuer.Issue(userID, email, userID)
}
