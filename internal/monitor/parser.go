package monitor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/moorline/fleetgate/internal/models"
)

// The introspection battery run on every monitored host. Plain
// coreutils plus /proc reads so the battery works on any distro
// without an agent installed.
const (
	cmdLoadAvg        = "cat /proc/loadavg"
	cmdCPUCount       = "nproc"
	cmdMemInfo        = "cat /proc/meminfo"
	cmdDiskUsage      = "df -P /"
	cmdListContainers = `docker ps -a --format '{{.ID}}|{{.Names}}|{{.Image}}|{{.State}}|{{.Status}}'`
)

func pingCommand(target string) string {
	return fmt.Sprintf("ping -c 1 -W 2 %s", target)
}

// parseLoadAvg extracts the one-minute load average from /proc/loadavg.
func parseLoadAvg(out string) (float64, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty loadavg output")
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse loadavg %q: %w", fields[0], err)
	}
	return load, nil
}

func parseCPUCount(out string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parse cpu count %q: %w", strings.TrimSpace(out), err)
	}
	if n < 1 {
		return 0, fmt.Errorf("invalid cpu count %d", n)
	}
	return n, nil
}

// cpuPercentFromLoad normalizes the one-minute load against the core
// count into a 0..100 figure.
func cpuPercentFromLoad(load float64, cores int) float64 {
	if cores < 1 {
		cores = 1
	}
	pct := load / float64(cores) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// parseMemInfo computes used-memory percent from /proc/meminfo using
// MemTotal and MemAvailable.
func parseMemInfo(out string) (float64, error) {
	var total, available float64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch strings.TrimSuffix(fields[0], ":") {
		case "MemTotal":
			total = value
		case "MemAvailable":
			available = value
		}
	}
	if total == 0 {
		return 0, fmt.Errorf("meminfo output missing MemTotal")
	}
	return (1 - available/total) * 100, nil
}

// parseDiskUsage extracts the use percent of the root filesystem from
// POSIX df output.
func parseDiskUsage(out string) (float64, error) {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("df output too short")
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 5 {
		return 0, fmt.Errorf("unexpected df line %q", lines[1])
	}
	pct, err := strconv.ParseFloat(strings.TrimSuffix(fields[4], "%"), 64)
	if err != nil {
		return 0, fmt.Errorf("parse df percent %q: %w", fields[4], err)
	}
	return pct, nil
}

// parsePingLatency extracts the round-trip time in milliseconds from
// one ping reply line ("... time=12.3 ms").
func parsePingLatency(out string) (float64, error) {
	idx := strings.Index(out, "time=")
	if idx < 0 {
		return 0, fmt.Errorf("no time field in ping output")
	}
	rest := out[idx+len("time="):]
	if end := strings.IndexAny(rest, " \n"); end >= 0 {
		rest = rest[:end]
	}
	ms, err := strconv.ParseFloat(rest, 64)
	if err != nil {
		return 0, fmt.Errorf("parse ping time %q: %w", rest, err)
	}
	return ms, nil
}

// parseContainers decodes the pipe-delimited docker ps listing.
// Malformed lines are skipped.
func parseContainers(out string) []models.Container {
	var containers []models.Container
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 5)
		if len(parts) != 5 {
			continue
		}
		containers = append(containers, models.Container{
			ID:     parts[0],
			Name:   parts[1],
			Image:  parts[2],
			State:  parts[3],
			Status: parts[4],
		})
	}
	return containers
}

func countRunning(containers []models.Container) int {
	n := 0
	for _, c := range containers {
		if c.State == "running" {
			n++
		}
	}
	return n
}
