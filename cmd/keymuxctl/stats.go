package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rs/zerolog/log"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Dump health and per-key stats as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadDemoConfig(cfgPath)
			if err != nil {
				return err
			}
			pool, err := buildPool(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer pool.Shutdown()

			out, err := json.MarshalIndent(pool.Stats(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
