package cli

import (
	"github.com/spf13/cobra"

	"github.com/vincentbai/clicktrace-agent/internal/database"
	"github.com/vincentbai/clicktrace-agent/internal/models"
)

type ClicksOptions struct {
	*RootOptions
	Database string
	Limit    int
}

type StoredClickOutput struct {
	ID string `json:"id"`
	models.InteractionEvent
}

func NewClicksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ClicksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:           "clicks",
		Short:         "List the most recent clicks stored by the collector",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClicks(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database (overrides config)")
	cmd.Flags().IntVarP(&opts.Limit, "limit", "n", 20, "number of clicks to show")

	return cmd
}

func runClicks(cmd *cobra.Command, opts *ClicksOptions) error {
	cfg, _, err := loadConfig(opts.RootOptions, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	databasePath := cfg.DatabasePath
	if opts.Database != "" {
		databasePath = opts.Database
	}

	db, err := database.NewDatabase(databasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	clicks, err := db.RecentClicks(opts.Limit)
	if err != nil {
		return err
	}
	output := make([]StoredClickOutput, 0, len(clicks))
	for _, click := range clicks {
		output = append(output, StoredClickOutput{ID: click.ID, InteractionEvent: click.Event})
	}
	return writeResult(cmd.OutOrStdout(), opts.Format, output)
}
