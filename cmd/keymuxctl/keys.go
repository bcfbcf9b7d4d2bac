package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rs/zerolog/log"
)

func keysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Inspect or control registered keys",
	}
	cmd.AddCommand(keysListCmd())
	cmd.AddCommand(keysCloseCircuitCmd())
	cmd.AddCommand(keysOpenCircuitCmd())
	cmd.AddCommand(keysResetQuotaCmd())
	return cmd
}

func keysListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all registered keys with their live stats",
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

			for _, ks := range pool.Keys() {
				remaining := "unlimited"
				if ks.QuotaRemaining >= 0 {
					remaining = fmt.Sprintf("%d remaining", ks.QuotaRemaining)
				}
				fmt.Printf("%-20s used=%-6d %-16s rate_limited=%-5v circuit_open=%-5v failures=%d\n",
					ks.ID, ks.QuotaUsed, remaining, ks.IsRateLimited, ks.IsCircuitOpen, ks.ConsecutiveFailures)
			}
			return nil
		},
	}
}

func keysCloseCircuitCmd() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "close-circuit",
		Short: "Force a key's circuit breaker closed",
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
			return pool.CloseCircuit(id)
		},
	}
	c.Flags().StringVar(&id, "id", "", "key id")
	return c
}

func keysOpenCircuitCmd() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "open-circuit",
		Short: "Force a key's circuit breaker open",
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
			return pool.OpenCircuit(id)
		},
	}
	c.Flags().StringVar(&id, "id", "", "key id")
	return c
}

func keysResetQuotaCmd() *cobra.Command {
	var id string
	c := &cobra.Command{
		Use:   "reset-quota",
		Short: "Reset a key's quota usage",
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
			return pool.ResetQuota(id)
		},
	}
	c.Flags().StringVar(&id, "id", "", "key id")
	return c
}
