// Package cli renders history records for fleetctl.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/moorline/fleetgate/internal/history"
	"github.com/moorline/fleetgate/internal/models"
)

func FormatJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func FormatHostsTable(hosts []history.HostRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOST ID\tADDRESS\tSTATUS\tLAST SEEN")

	for _, h := range hosts {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			h.HostID,
			h.Address,
			formatOnline(h.Online),
			formatTime(h.LastSeen),
		)
	}

	return w.Flush()
}

func FormatHostDetail(host *history.HostRecord, samples []models.MonitoringSample) error {
	fmt.Printf("Host ID: %d\n", host.HostID)
	fmt.Printf("Address: %s\n", host.Address)
	fmt.Printf("Status: %s\n", formatOnline(host.Online))
	fmt.Printf("Last Seen: %s\n", formatTime(host.LastSeen))
	fmt.Printf("\n")

	if len(samples) == 0 {
		fmt.Println("No samples recorded")
		return nil
	}

	fmt.Printf("Recent Samples (%d records):\n\n", len(samples))
	return FormatSamplesTable(samples)
}

func FormatSamplesTable(samples []models.MonitoringSample) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIMESTAMP\tTARGET\tLATENCY MS\tCPU %\tRAM %\tDISK %\tCONTAINERS")

	for _, s := range samples {
		fmt.Fprintf(w, "%s\t%s\t%.1f\t%.1f\t%.1f\t%.1f\t%d/%d\n",
			formatTime(s.Timestamp),
			s.Target,
			s.LatencyMs,
			s.CPUPercent,
			s.RAMPercent,
			s.DiskPercent,
			s.ContainersRunning,
			s.ContainersTotal,
		)
	}

	return w.Flush()
}

func FormatTransfersTable(transfers []history.TransferRecord) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDIRECTION\tREMOTE PATH\tSIZE\tDONE\tSTATE\tENDED")

	for _, t := range transfers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID,
			t.Direction,
			t.RemotePath,
			formatBytes(t.BytesTotal),
			formatBytes(t.BytesDone),
			t.State,
			formatTime(t.EndedAt),
		)
	}

	return w.Flush()
}

func FormatStatsTable(stats map[string]interface{}) error {
	fmt.Println("Fleet Statistics:")
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	fmt.Fprintf(w, "Total Hosts:\t%v\n", stats["total_hosts"])
	fmt.Fprintf(w, "Online Hosts:\t%v\n", stats["online_hosts"])
	fmt.Fprintf(w, "Offline Hosts:\t%v\n", stats["offline_hosts"])
	fmt.Fprintf(w, "Total Samples:\t%v\n", stats["total_samples"])
	fmt.Fprintf(w, "Avg CPU Usage:\t%s%%\n", formatFloat(stats["avg_cpu_percent"]))
	fmt.Fprintf(w, "Avg Latency:\t%s ms\n", formatFloat(stats["avg_latency_ms"]))

	return w.Flush()
}

func formatFloat(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.1f", f)
	}
	return "0.0"
}

func formatBytes(n int64) string {
	bytes := float64(n)
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for bytes >= 1024 && i < len(units)-1 {
		bytes /= 1024
		i++
	}
	return fmt.Sprintf("%.1f %s", bytes, units[i])
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatOnline(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
