package monitor

import (
	"strings"
	"time"

	"github.com/moby/moby/api/types/container"
)

// computeSample turns a raw stats reading into a ResourceSample. Rates need a
// previous reading; on the first poll only the memory gauges are populated
// and HasRates stays false.
func computeSample(id string, prev, cur *container.StatsResponse, prevAt, now time.Time) ResourceSample {
	s := ResourceSample{
		ContainerID: id,
		Timestamp:   now,
		MemoryUsage: cur.MemoryStats.Usage,
		MemoryLimit: cur.MemoryStats.Limit,
	}

	// Page cache is excluded so memory pressure reflects actual usage.
	cache := cur.MemoryStats.Stats["cache"]
	used := cur.MemoryStats.Usage
	if used > cache {
		used -= cache
	}
	if cur.MemoryStats.Limit > 0 {
		s.MemoryPercent = float64(used) / float64(cur.MemoryStats.Limit) * 100
	}

	if prev == nil {
		return s
	}
	elapsed := now.Sub(prevAt).Seconds()
	if elapsed <= 0 {
		return s
	}
	s.HasRates = true

	cpuDelta := float64(cur.CPUStats.CPUUsage.TotalUsage) - float64(prev.CPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(cur.CPUStats.SystemUsage) - float64(prev.CPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		s.CPUPercent = cpuDelta / sysDelta * float64(onlineCPUs(cur)) * 100
	}

	rx, tx := networkTotals(cur)
	prevRx, prevTx := networkTotals(prev)
	s.NetworkRxRate = rate(rx, prevRx, elapsed)
	s.NetworkTxRate = rate(tx, prevTx, elapsed)

	read, write := blkioTotals(cur)
	prevRead, prevWrite := blkioTotals(prev)
	s.BlockReadRate = rate(read, prevRead, elapsed)
	s.BlockWriteRate = rate(write, prevWrite, elapsed)

	return s
}

func onlineCPUs(st *container.StatsResponse) float64 {
	if st.CPUStats.OnlineCPUs > 0 {
		return float64(st.CPUStats.OnlineCPUs)
	}
	if n := len(st.CPUStats.CPUUsage.PercpuUsage); n > 0 {
		return float64(n)
	}
	return 1
}

func networkTotals(st *container.StatsResponse) (rx, tx uint64) {
	for _, n := range st.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

func blkioTotals(st *container.StatsResponse) (read, write uint64) {
	for _, e := range st.BlkioStats.IoServiceBytesRecursive {
		// cgroup v1 reports "Read"/"Write", cgroup v2 lowercases the op.
		switch strings.ToLower(e.Op) {
		case "read":
			read += e.Value
		case "write":
			write += e.Value
		}
	}
	return read, write
}

// rate converts a cumulative counter delta to a per-second rate. Counter
// resets (container restart) yield zero rather than a negative rate.
func rate(cur, prev uint64, elapsed float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / elapsed
}
