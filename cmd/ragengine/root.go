package main

import (
	"github.com/spf13/cobra"

	"github.com/contexa/ragengine/pkg/config"
	"github.com/contexa/ragengine/pkg/log"
)

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ragengine",
	Short: "Retrieval-augmented generation engine with document ingestion",
	Long: `ragengine indexes documents into a hybrid vector and keyword store and
answers questions over them through a checkpointed retrieval graph.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			log.SetDebug(true)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
