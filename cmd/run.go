package cmd

import (
	"github.com/arcward/dmrelay/dmrelay"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the API, live feed and any configured reply listener",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			relay, err := dmrelay.New(cfg)
			if err != nil {
				log.Fatalf("error creating dmrelay: %s", err.Error())
			}

			if err = relay.Run(ctx); err != nil {
				log.Fatalf("error running dmrelay: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
