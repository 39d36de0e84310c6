package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pairchat/relay/internal/auth/jwtverify"
	"github.com/pairchat/relay/internal/config"
)

var mintTokenCmd = &cobra.Command{
	Use:   "mint-token <userId>",
	Short: "Mint a bearer token this relay's verifier will accept. Local development and test tooling only.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		token, err := jwtverify.Mint(cfg.TokenSecret, args[0], cfg.TokenExpiry)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(mintTokenCmd)
}
