package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mapflow/mapflow/internal/cli"
)

var rootCmd = &cobra.Command{
	Use:   "mapflow",
	Short: "Parallel workflow engine with checkpointed, resumable map/reduce jobs",
}

func main() {
	cli.SetupCLI(rootCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
