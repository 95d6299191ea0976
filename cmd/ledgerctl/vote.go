package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"example.com/ledger/internal/app"
	"example.com/ledger/internal/domain"
)

func voteCommand() *cobra.Command {
	var input domain.SubmitVoteInput
	cmd := &cobra.Command{
		Use:   "vote",
		Short: "Submit a vote on behalf of a user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if input.UserID <= 0 || input.TopicID <= 0 {
				return errors.New("--user and --topic must be positive")
			}
			rt := fromContext(cmd.Context())
			a, err := app.New(cmd.Context(), rt.cfg, rt.log)
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.Ledger.SubmitVote(cmd.Context(), input)
			if err != nil {
				return err
			}
			return printJSON(cmd, result)
		},
	}
	cmd.Flags().Int64Var(&input.UserID, "user", 0, "user id")
	cmd.Flags().Int64Var(&input.TopicID, "topic", 0, "topic id")
	cmd.Flags().StringVar(&input.Choice, "choice", "", "A or B")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("topic")
	_ = cmd.MarkFlagRequired("choice")
	return cmd
}

func streakCommand() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "streak",
		Short: "Show a user's streak and achievements",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt := fromContext(cmd.Context())
			a, err := app.New(cmd.Context(), rt.cfg, rt.log)
			if err != nil {
				return err
			}
			defer a.Close()

			streak, err := a.Ledger.GetStreak(cmd.Context(), userID)
			if err != nil {
				return err
			}
			grants, err := a.Ledger.ListAchievements(cmd.Context(), userID)
			if err != nil {
				return err
			}
			return printJSON(cmd, struct {
				Streak       domain.UserStreak         `json:"streak"`
				Achievements []domain.AchievementGrant `json:"achievements"`
			}{streak, grants})
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
