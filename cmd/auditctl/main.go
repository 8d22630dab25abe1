package main

import (
	"fmt"
	"os"

	"github.com/cuongbtq/wallet-audit/internal/cli"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()

	if err := cli.NewRootCommand(cli.DefaultConfig()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
