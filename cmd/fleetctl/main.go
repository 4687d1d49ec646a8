package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/moorline/fleetgate/internal/cli"
	"github.com/moorline/fleetgate/internal/history"
)

var (
	dbPath     string
	outputJSON bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetctl",
	Short: "CLI for the fleetgate history store",
	Long: `fleetctl inspects the monitoring history recorded by fleetgated.

It provides commands to query host records, monitoring samples, archived
file transfers, and fleet-wide statistics.`,
}

var hostsCmd = &cobra.Command{
	Use:   "hosts",
	Short: "Manage and query hosts",
}

var listHostsCmd = &cobra.Command{
	Use:   "list",
	Short: "List all monitored hosts",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		hosts, err := store.Hosts()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(hosts)
		}
		return cli.FormatHostsTable(hosts)
	},
}

var getHostCmd = &cobra.Command{
	Use:   "get [host-id]",
	Short: "Get one host with its recent samples",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, err := parseHostID(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		host, err := store.Host(hostID)
		if err != nil {
			return fmt.Errorf("host %d: %w", hostID, err)
		}
		samples, err := store.Samples(hostID, limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(map[string]interface{}{
				"host":    host,
				"samples": samples,
			})
		}
		return cli.FormatHostDetail(host, samples)
	},
}

var samplesCmd = &cobra.Command{
	Use:   "samples [host-id]",
	Short: "List recent monitoring samples for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, err := parseHostID(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		samples, err := store.Samples(hostID, limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(samples)
		}
		return cli.FormatSamplesTable(samples)
	},
}

var transfersCmd = &cobra.Command{
	Use:   "transfers [host-id]",
	Short: "List archived file transfers for a host",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, err := parseHostID(args[0])
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		transfers, err := store.Transfers(hostID, limit)
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(transfers)
		}
		return cli.FormatTransfersTable(transfers)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Get fleet-wide statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		stats, err := store.FleetStats()
		if err != nil {
			return err
		}

		if outputJSON {
			return cli.FormatJSON(stats)
		}
		return cli.FormatStatsTable(stats)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete samples older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("retention-days")

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		deleted, err := store.CleanupOldSamples(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			return err
		}

		fmt.Printf("Deleted %d samples older than %d days\n", deleted, days)
		return nil
	},
}

func openStore() (*history.Store, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("history db %s: %w", dbPath, err)
	}
	return history.Open(dbPath)
}

func parseHostID(arg string) (int64, error) {
	hostID, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid host id %q", arg)
	}
	return hostID, nil
}

func init() {
	defaultDBPath := os.Getenv("FLEETGATE_DB_PATH")
	if defaultDBPath == "" {
		defaultDBPath = "fleetgate.db"
	}

	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", defaultDBPath, "Path to the history database")
	rootCmd.PersistentFlags().BoolVarP(&outputJSON, "json", "j", false, "Output in JSON format")

	getHostCmd.Flags().IntP("limit", "l", 100, "Number of samples to retrieve")
	samplesCmd.Flags().IntP("limit", "l", 100, "Number of samples to retrieve")
	transfersCmd.Flags().IntP("limit", "l", 100, "Number of transfers to retrieve")
	cleanupCmd.Flags().IntP("retention-days", "r", 7, "Retention window in days")

	hostsCmd.AddCommand(listHostsCmd)
	hostsCmd.AddCommand(getHostCmd)

	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(samplesCmd)
	rootCmd.AddCommand(transfersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(cleanupCmd)
}
