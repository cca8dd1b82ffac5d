package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mixmixmix/rock-off-chain/pkg/chord"
	"github.com/mixmixmix/rock-off-chain/pkg/clearnode"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	counterparty string
	amount       string

	minorChord   bool
	perfectFifth bool
	frequencies  []float64
)

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Authenticate and stay connected, pinging until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := authenticate(ctx, a); err != nil {
			return err
		}

		if _, err := a.client.RequestChannels(ctx); err != nil {
			a.logger.Warn("Could not list channels", zap.Error(err))
		}
		a.client.Ledger().Wait()
		for _, ch := range a.client.Ledger().Channels() {
			a.logger.Info("Channel",
				zap.String("channelId", ch.ChannelID),
				zap.String("participant", ch.Participant),
				zap.String("status", ch.Status),
				zap.String("amount", string(ch.Amount)))
		}
		for participant, balances := range a.client.Ledger().Balances() {
			for _, b := range balances {
				a.logger.Info("Balance", zap.String("participant", participant), zap.String("asset", b.Asset), zap.String("amount", string(b.Amount)))
			}
		}

		for {
			select {
			case <-ctx.Done():
				a.logger.Info("Shutting down")
				return nil
			case ev := <-a.client.Events():
				switch ev.Kind {
				case clearnode.EventServerError, clearnode.EventAuthFailed:
					a.logger.Warn("ClearNode event", zap.Stringer("kind", ev.Kind), zap.Error(ev.Err))
				case clearnode.EventStateChanged:
					a.logger.Info("Connection state changed", zap.Stringer("state", ev.State))
				}
			}
		}
	},
}

var createSessionCmd = &cobra.Command{
	Use:   "create-session",
	Short: "Open an application session funded by the session key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := authenticate(ctx, a); err != nil {
			return err
		}

		result := a.client.CreateApplicationSession(ctx, counterparty, amount)
		if !result.Success {
			return errors.New(result.Error)
		}
		if result.AppSessionID == "" {
			a.logger.Warn("ClearNode accepted the session without returning its id")
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), result.AppSessionID)
		return nil
	},
}

var closeSessionCmd = &cobra.Command{
	Use:   "close-session",
	Short: "Settle the active application session by chord classification",
	RunE: func(cmd *cobra.Command, args []string) error {
		classification := chord.Classification{MinorChord: minorChord, PerfectFifth: perfectFifth}
		if len(frequencies) > 0 {
			analysis := chord.Analyze(frequencies)
			classification = analysis.Classification
		}

		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		ctx := cmd.Context()
		if err := authenticate(ctx, a); err != nil {
			return err
		}

		a.logger.Info("Settling",
			zap.Bool("minorChord", classification.MinorChord),
			zap.Bool("perfectFifth", classification.PerfectFifth))
		if _, err := a.client.Settle(ctx, classification); err != nil {
			return err
		}
		a.logger.Info("Application session closed")
		return nil
	},
}

var resetKeyCmd = &cobra.Command{
	Use:   "reset-key",
	Short: "Discard the persisted session key",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.client.ResetSessionKey(); err != nil {
			return err
		}
		address, err := a.client.SessionKeyAddress()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), address)
		return nil
	},
}

var sessionKeyCmd = &cobra.Command{
	Use:   "session-key",
	Short: "Print the session key address, creating the key if needed",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(cmd)
		if err != nil {
			return err
		}
		defer a.close()

		address, err := a.client.SessionKeyAddress()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), address)
		return nil
	},
}

func authenticate(ctx context.Context, a *app) error {
	authCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout*3)
	defer cancel()
	if err := a.client.Authenticate(authCtx); err != nil {
		return errors.Wrap(err, "authenticate")
	}
	return nil
}

func init() {
	createSessionCmd.Flags().StringVar(&counterparty, "counterparty", "", "counterparty address")
	createSessionCmd.Flags().StringVar(&amount, "amount", "", "amount of usdc to lock in the session")
	createSessionCmd.MarkFlagRequired("counterparty")
	createSessionCmd.MarkFlagRequired("amount")

	closeSessionCmd.Flags().BoolVar(&minorChord, "minor-chord", false, "the performance was a minor chord")
	closeSessionCmd.Flags().BoolVar(&perfectFifth, "perfect-fifth", false, "the performance contained a perfect fifth")
	closeSessionCmd.Flags().Float64SliceVar(&frequencies, "frequencies", nil, "dominant frequency series in Hz; overrides the chord flags")

	rootCmd.AddCommand(connectCmd, createSessionCmd, closeSessionCmd, resetKeyCmd, sessionKeyCmd)
}
