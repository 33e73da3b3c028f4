package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func pendingCmd(configPath *string) *cobra.Command {
	var (
		userID   string
		limit    int
		markSent bool
	)

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List pending notifications stored for a user",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			cfg, logger, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			a := &app{cfg: cfg, logger: logger}
			st, err := a.openNotifications()
			if err != nil {
				return err
			}
			defer st.Close()

			records, err := st.ListPending(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			ids := make([]string, 0, len(records))
			for _, rec := range records {
				if err := enc.Encode(rec); err != nil {
					return err
				}
				ids = append(ids, rec.ID)
			}

			if markSent && len(ids) > 0 {
				n, err := st.MarkSent(cmd.Context(), ids...)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "marked %d notifications as sent\n", n)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().IntVarP(&limit, "limit", "n", 100, "maximum number of records")
	cmd.Flags().BoolVar(&markSent, "mark-sent", false, "mark the listed records as sent")

	return cmd
}
