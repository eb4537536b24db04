// Package main is the gatewayctl CLI. It registers, removes, and
// inspects backend instances in the shared service registry, talking to
// the same store the gateway reads so changes take effect without
// touching the gateway itself.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fallowearthai/chainreactions-gateway/internal/config"
	"github.com/fallowearthai/chainreactions-gateway/internal/registry"
)

const commandTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// storeFlags selects the registry store. The gateway config file is the
// default source; explicit flags override it for ad-hoc use.
type storeFlags struct {
	configPath string
	store      string
	redisAddr  string
	consulAddr string
}

func newRootCmd() *cobra.Command {
	flags := &storeFlags{}

	rootCmd := &cobra.Command{
		Use:   "gatewayctl",
		Short: "Operate the chainreactions gateway service registry",
		Long: `gatewayctl manages backend registrations in the shared service registry.

Instances registered here become routing targets on the next registry
cache refresh; no gateway restart is involved.

Example:
  gatewayctl register osint-search 10.0.3.17 8080 --health-path /health
  gatewayctl list osint-search
  gatewayctl deregister osint-search 10.0.3.17 8080`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config",
		getEnvOrDefault("GATEWAY_CONFIG_PATH", "configs/gateway.yaml"),
		"Path to the gateway configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.store, "store", "",
		"Registry store override (memory, redis, consul)")
	rootCmd.PersistentFlags().StringVar(&flags.redisAddr, "redis-addr", "",
		"Redis address override")
	rootCmd.PersistentFlags().StringVar(&flags.consulAddr, "consul-addr", "",
		"Consul address override")

	rootCmd.AddCommand(newRegisterCmd(flags))
	rootCmd.AddCommand(newDeregisterCmd(flags))
	rootCmd.AddCommand(newListCmd(flags))

	return rootCmd
}

// openRegistry connects to the store named by the config file, with
// flag overrides applied. A missing config file falls back to defaults
// so the CLI works with flags alone.
func openRegistry(cmd *cobra.Command, flags *storeFlags) (*registry.Registry, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if flags.store != "" {
		cfg.Registry.Store = flags.store
	}
	if flags.redisAddr != "" {
		cfg.Registry.Redis.Address = flags.redisAddr
	}
	if flags.consulAddr != "" {
		cfg.Registry.Consul.Address = flags.consulAddr
	}

	var store registry.Store
	switch cfg.Registry.Store {
	case config.StoreRedis:
		store, err = registry.NewRedisStore(&registry.RedisOptions{
			Address:      cfg.Registry.Redis.Address,
			Password:     cfg.Registry.Redis.Password,
			DB:           cfg.Registry.Redis.DB,
			KeyPrefix:    cfg.Registry.KeyPrefix,
			PoolSize:     cfg.Registry.Redis.PoolSize,
			MinIdleConns: cfg.Registry.Redis.MinIdleConns,
			DialTimeout:  cfg.Registry.Redis.DialTimeout.Duration(),
			ReadTimeout:  cfg.Registry.Redis.ReadTimeout.Duration(),
			WriteTimeout: cfg.Registry.Redis.WriteTimeout.Duration(),
			Logger:       zap.NewNop(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Registry.Redis.Address, err)
		}
	case config.StoreConsul:
		store, err = registry.NewConsulStore(&registry.ConsulOptions{
			Address:   cfg.Registry.Consul.Address,
			Scheme:    cfg.Registry.Consul.Scheme,
			Token:     cfg.Registry.Consul.Token,
			KeyPrefix: cfg.Registry.KeyPrefix,
			Logger:    zap.NewNop(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to consul at %s: %w", cfg.Registry.Consul.Address, err)
		}
	case config.StoreMemory:
		fmt.Fprintln(cmd.ErrOrStderr(),
			"warning: the memory store is process-local; a running gateway will not see this change")
		store = registry.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown registry store %q", cfg.Registry.Store)
	}

	return registry.New(store), nil
}

func newRegisterCmd(flags *storeFlags) *cobra.Command {
	var (
		protocol         string
		healthPath       string
		timeoutMs        int
		maxRetries       int
		breakerThreshold int
	)

	cmd := &cobra.Command{
		Use:   "register <service> <host> <port>",
		Short: "Register a backend instance",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			port, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid port %q", args[2])
			}

			reg, err := openRegistry(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			inst := &registry.ServiceInstance{
				ServiceName:             args[0],
				Host:                    args[1],
				Port:                    port,
				Protocol:                protocol,
				HealthCheckPath:         healthPath,
				TimeoutMs:               timeoutMs,
				MaxRetries:              maxRetries,
				CircuitBreakerThreshold: breakerThreshold,
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			if err := reg.Register(ctx, inst); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "registered %s/%s (%s)\n",
				inst.ServiceName, inst.Key(), inst.BaseURL())
			return nil
		},
	}

	cmd.Flags().StringVar(&protocol, "protocol", "", "Instance protocol (http, https)")
	cmd.Flags().StringVar(&healthPath, "health-path", "", "Health check path probed by the gateway")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "Per-request timeout in milliseconds (0 uses the gateway default)")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Retry attempts for idempotent requests")
	cmd.Flags().IntVar(&breakerThreshold, "breaker-threshold", 0, "Consecutive failures before the service breaker opens (0 uses the gateway default)")

	return cmd
}

func newDeregisterCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deregister <service> [<host> <port>]",
		Short: "Remove one instance, or every instance of a service",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 && len(args) != 3 {
				return fmt.Errorf("accepts <service> or <service> <host> <port>, received %d args", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			service := args[0]
			if len(args) == 3 {
				port, err := strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("invalid port %q", args[2])
				}
				if err := reg.Deregister(ctx, service, args[1], port); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deregistered %s/%s:%d\n", service, args[1], port)
				return nil
			}

			instances, err := reg.ListAllInstances(ctx, service)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no instances registered for %s\n", service)
				return nil
			}
			for _, inst := range instances {
				if err := reg.Deregister(ctx, service, inst.Host, inst.Port); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deregistered %d instance(s) of %s\n", len(instances), service)
			return nil
		},
	}

	return cmd
}

func newListCmd(flags *storeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [<service>]",
		Short: "List registered instances and their health",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd, flags)
			if err != nil {
				return err
			}
			defer func() { _ = reg.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			all := make(map[string][]*registry.ServiceInstance)
			if len(args) == 1 {
				instances, err := reg.ListAllInstances(ctx, args[0])
				if err != nil {
					return err
				}
				all[args[0]] = instances
			} else {
				if all, err = reg.ListAll(ctx); err != nil {
					return err
				}
			}

			printInstanceTable(cmd, all)
			return nil
		},
	}

	return cmd
}

func printInstanceTable(cmd *cobra.Command, all map[string][]*registry.ServiceInstance) {
	services := make([]string, 0, len(all))
	total := 0
	for name, instances := range all {
		services = append(services, name)
		total += len(instances)
	}
	sort.Strings(services)

	if total == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no instances registered")
		return
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tINSTANCE\tSTATUS\tFAILURES\tLAST CHECK\tREGISTERED")
	for _, name := range services {
		for _, inst := range all[name] {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
				name,
				inst.Key(),
				inst.Status,
				inst.ConsecutiveFailures,
				formatAge(inst.LastHealthCheck),
				formatAge(inst.RegisteredAt),
			)
		}
	}
	_ = w.Flush()
}

// formatAge renders a timestamp as a relative age, matching how
// operators reason about staleness.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := time.Since(t).Truncate(time.Second)
	if age < 0 {
		age = 0
	}
	return age.String() + " ago"
}

// getEnvOrDefault returns the environment variable value or a default.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
