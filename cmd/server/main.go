package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "vlm-chat-server",
		Short:         "streaming chat server for vision-language models",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newServeCommand(), newWorkerCommand(), newTokenCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
