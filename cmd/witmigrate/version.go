package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the witmigrate version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("witmigrate %s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
