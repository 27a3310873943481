// Package reliability holds operational safeguards that run outside the
// deterministic simulation core: disk-space preflight before a download
// run begins. Adapted from the teacher's scheduled maintenance jobs
// (internal/reliability/maintenance_jobs.go), trimmed to the one check
// this domain still needs — database vacuum/backup-verification jobs had
// no counterpart once the broker-facing databases were dropped.
package reliability

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

const (
	criticalFreeGB = 0.5
	warnFreeGB     = 5.0
)

// DiskSpacePreflight checks available disk space at dataDir before the
// downloader starts a run. It mirrors the teacher's three-tier
// critical/warn/info disk-space check, rebuilt on gopsutil/v3/disk
// instead of a raw syscall.Statfs call, since the original's backup
// cadence no longer applies but the space check still does.
func DiskSpacePreflight(dataDir string, log zerolog.Logger) error {
	usage, err := disk.Usage(dataDir)
	if err != nil {
		return fmt.Errorf("stat filesystem at %s: %w", dataDir, err)
	}

	availableGB := float64(usage.Free) / 1e9
	log.Debug().Float64("available_gb", availableGB).Msg("disk space preflight")

	if availableGB < criticalFreeGB {
		log.Error().Float64("available_gb", availableGB).Msg("critical: insufficient disk space, refusing to start download")
		return fmt.Errorf("only %.2f GB free at %s, need at least %.2f GB", availableGB, dataDir, criticalFreeGB)
	}
	if availableGB < warnFreeGB {
		log.Warn().Float64("available_gb", availableGB).Msg("disk space running low")
	}
	return nil
}
