package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rs/zerolog/log"
)

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Print the pool's aggregated health snapshot",
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

			h := pool.GetHealth()
			fmt.Printf("status:    %s\n", h.Status)
			fmt.Printf("keys:      %d/%d available\n", h.AvailableKeys, h.TotalKeys)
			fmt.Printf("effective: rps=%.2f quota_remaining=%d/%d\n",
				h.EffectiveRps, h.EffectiveQuotaRemaining, h.EffectiveQuotaTotal)

			if len(h.Warnings) == 0 {
				return nil
			}
			fmt.Println("warnings:")
			for _, w := range h.Warnings {
				fmt.Printf("  [%s] %s: %s\n", w.Category, w.KeyID, w.Message)
			}
			return nil
		},
	}
}
