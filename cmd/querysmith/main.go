package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "querysmith",
	Short: "Answer business questions with verified SQL",
	Long: `querysmith turns natural-language business questions into SQL.

It matches each question against a library of verified query templates,
tailors the best match to the question, reviews the result and falls back
to generating SQL from the schema when nothing matches.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(askCmd, queryCmd)
	rootCmd.AddCommand(templatesCmd, followUpsCmd, jobCmd)
	rootCmd.AddCommand(profileCmd, promptsCmd, conversationsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
