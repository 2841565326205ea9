package main

import (
	"fmt"

	"github.com/aretw0/espalier"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of espalier",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("espalier version %s\n", versionString())
	},
}

func versionString() string {
	return espalier.Version
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
