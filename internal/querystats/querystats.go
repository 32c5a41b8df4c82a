// Package querystats periodically logs a running query's counters alongside
// host resource usage, on a ticker that periodically samples and logs
// system metrics.
package querystats

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"

	"github.com/obfcore/obf/internal/query"
)

// Reporter logs a snapshot of a Query's counters, together with the host's
// CPU/memory pressure, every interval until its context is cancelled.
// Intended for long-running queries (a wide bbox at a low zoom over many
// open files) where per-call counter logging would be too noisy, and where
// a slow search is as likely explained by host load as by the bbox itself.
type Reporter struct {
	interval time.Duration
	logger   *zap.Logger
	q        *query.Query
	proc     *process.Process
}

// NewReporter builds a Reporter for q, defaulting interval to 30s as the
// teacher's own collector does when given too short an interval.
func NewReporter(q *query.Query, interval time.Duration, logger *zap.Logger) *Reporter {
	if interval < time.Second {
		interval = 30 * time.Second
	}
	proc, _ := process.NewProcess(int32(os.Getpid()))
	return &Reporter{interval: interval, logger: logger, q: q, proc: proc}
}

// Start logs a snapshot of the query's counters and host metrics every
// interval until ctx is done.
func (rp *Reporter) Start(ctx context.Context) {
	ticker := time.NewTicker(rp.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			rp.logger.Debug("query stats reporter stopped")
			return
		case <-ticker.C:
			rp.log()
		}
	}
}

func (rp *Reporter) log() {
	c := rp.q.Counters.Snapshot()

	var sysCPU, procCPU, memPct float64
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sysCPU = pct[0]
	}
	if rp.proc != nil {
		if pct, err := rp.proc.Percent(0); err == nil {
			procCPU = pct
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		memPct = vmem.UsedPercent
	}

	rp.logger.Debug("query progress",
		zap.Int64("read_subtrees", c.ReadSubtrees),
		zap.Int64("accepted_subtrees", c.AcceptedSubtrees),
		zap.Int64("visited_objects", c.VisitedObjects),
		zap.Int64("accepted_objects", c.AcceptedObjects),
		zap.Int64("ocean_tiles", c.OceanTiles),
		zap.Float64("sys_cpu", sysCPU),
		zap.Float64("proc_cpu", procCPU),
		zap.Float64("mem_pct", memPct),
	)
}
