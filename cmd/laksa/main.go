package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/twentyft/laksa/pkg/broker"
	"github.com/twentyft/laksa/pkg/bus"
	"github.com/twentyft/laksa/pkg/config"
	"github.com/twentyft/laksa/pkg/log"
	"github.com/twentyft/laksa/pkg/metrics"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "laksa",
	Short: "Laksa - the broker of a small container platform",
	Long: `Laksa sits between user sessions and a fleet of worker nodes,
owning the authoritative view of live cluster state: sessions and the
containers, tunnels and published endpoints they hold, node membership,
IP allocation and the front-end proxy configuration.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Laksa version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("config", "", "Path to broker config file")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(brokerCmd)
	rootCmd.AddCommand(dumpStateCmd)
	rootCmd.AddCommand(dumpDescriptionsCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := rootCmd.PersistentFlags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if v, _ := cmd.Flags().GetString("state-dir"); v != "" {
		cfg.StateDir = v
	}
	if v, _ := cmd.Flags().GetString("external-ip"); v != "" {
		cfg.ExternalIP = v
	}
	return cfg, nil
}

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Run the broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		bindAddr, _ := cmd.Flags().GetString("bind-addr")

		transport, err := bus.NewTCPTransport(bindAddr)
		if err != nil {
			return err
		}

		metrics.Register()

		b, err := broker.New(cfg, transport, broker.Options{})
		if err != nil {
			return fmt.Errorf("failed to construct broker: %w", err)
		}
		transport.Bind(b.HandleMessage, b.Callbacks())

		if err := b.Start(); err != nil {
			b.Stop()
			return err
		}
		go transport.Serve()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		log.Info("shutting down")
		transport.Close()
		b.Stop()
		return nil
	},
}

func init() {
	brokerCmd.Flags().String("bind-addr", ":2020", "Transport bind address")
	brokerCmd.Flags().String("state-dir", "", "State directory (overrides config)")
	brokerCmd.Flags().String("external-ip", "", "Broker external IP (overrides config)")
}
