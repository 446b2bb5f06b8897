package main

import (
	"github.com/spf13/cobra"
)

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "gastos",
	Short: "Parse bank notification emails into categorized transactions",
	Long: `gastos turns Bancolombia notification emails into transactions and assigns
each merchant a spending category from a labeled reference set.

Run "gastos start" to serve the API, then feed it with "gastos ingest".`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(parseCmd, classifyCmd, ingestCmd)
	rootCmd.AddCommand(transactionsCmd, labelsCmd, snapshotCmd)
	rootCmd.AddCommand(exportCmd, configCmd)
}
