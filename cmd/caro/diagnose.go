package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/alantheprice/caro/internal/safety"
)

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose [file]",
	Short: "Scan a file for leaked credentials before referencing it in a command",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		found := safety.FindSecrets(string(data))
		if len(found) == 0 {
			fmt.Println("no known secret patterns found")
			return nil
		}
		fmt.Printf("found %d possible secret(s): %s\n", len(found), strings.Join(found, ", "))
		os.Exit(1)
		return nil
	},
}
