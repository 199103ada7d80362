// Soak test runner for long-duration estimator validation.
//
// This tool simulates multi-stream traffic and monitors the bandwidth
// estimator for memory leaks, timestamp wraparound failures, and estimate
// anomalies over extended periods (up to 24 hours or more). Congestion is
// injected periodically so the full detect/decrease/recover cycle runs
// continuously, not just the steady-state path.
//
// Usage:
//
//	go run ./cmd/soak -duration 24h
//	go run ./cmd/soak -duration 1h -streams 3
//
// Exposes pprof endpoint at :6060 for live profiling:
//
//	curl http://localhost:6060/debug/pprof/heap > heap.pprof
//	go tool pprof heap.pprof
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof endpoints
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/mediapulse/rbe/pkg/rbe"
)

const (
	packetSize       = 1200 // bytes
	packetIntervalMs = 20   // 50 pps per stream
	rtpClockPerMs    = 90   // 90 kHz sender clock

	statusIntervalMinutes = 5

	// Every congestionPeriod the simulated link adds queuing delay for
	// congestionBurst, forcing the estimator through an overuse cycle.
	congestionPeriod = 2 * time.Minute
	congestionBurst  = 10 * time.Second
)

// SoakResult contains the results of a soak test run.
type SoakResult struct {
	Duration         time.Duration
	TotalPackets     int
	TotalCycles      int
	FinalEstimate    int64
	PeakHeapMB       float64
	TotalGCCycles    uint32
	WraparoundCount  int
	SuspiciousEvents int
	Status           string
}

func main() {
	duration := flag.Duration("duration", 24*time.Hour, "Test duration (e.g., 1h, 24h)")
	streams := flag.Int("streams", 2, "Number of simulated media streams")
	pprofPort := flag.Int("pprof-port", 6060, "Port for pprof HTTP server")
	flag.Parse()

	fmt.Printf("RBE Soak Test Runner\n")
	fmt.Printf("====================\n")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Streams:  %d\n", *streams)
	fmt.Printf("Pprof:    http://localhost:%d/debug/pprof/\n", *pprofPort)
	fmt.Printf("\n")

	go func() {
		addr := fmt.Sprintf(":%d", *pprofPort)
		if err := http.ListenAndServe(addr, nil); err != nil {
			fmt.Printf("Warning: pprof server failed: %v\n", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		fmt.Printf("\nReceived %v, shutting down gracefully...\n", sig)
		cancel()
	}()

	result := runSoakTest(ctx, *duration, *streams)
	printSummary(result)

	if result.Status == "PASS" {
		os.Exit(0)
	}
	os.Exit(1)
}

func runSoakTest(ctx context.Context, duration time.Duration, streams int) SoakResult {
	estimator, err := rbe.NewSingleStreamEstimator(rbe.DefaultEstimatorConfig(), nil)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		return SoakResult{Status: "FAIL"}
	}

	result := SoakResult{Status: "PASS"}

	var memStats runtime.MemStats

	// Per-stream sender timestamps, spread over the 32-bit range so a
	// wraparound happens early in the run for at least one stream.
	rtpTimestamps := make([]uint32, streams)
	for i := range rtpTimestamps {
		rtpTimestamps[i] = ^uint32(0) - uint32(i)*0x10000000 - 1_000_000
	}

	startTime := time.Now()
	lastStatusTime := startTime
	statusInterval := time.Duration(statusIntervalMinutes) * time.Minute

	ticker := time.NewTicker(packetIntervalMs * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("[%s] Starting soak test...\n", formatDuration(0))

	for {
		select {
		case <-ctx.Done():
			result.Duration = time.Since(startTime)
			return result

		case now := <-ticker.C:
			elapsed := now.Sub(startTime)
			if elapsed >= duration {
				result.Duration = elapsed
				return result
			}

			// During a congestion burst every packet arrives with extra
			// queuing delay relative to its sender cadence.
			arrival := now
			if elapsed%congestionPeriod < congestionBurst {
				queued := elapsed % congestionPeriod
				arrival = arrival.Add(queued / 4)
			}

			for i := range rtpTimestamps {
				ssrc := uint32(0x1000_0000 + i)
				prev := rtpTimestamps[i]
				rtpTimestamps[i] += packetIntervalMs * rtpClockPerMs
				if rtpTimestamps[i] < prev {
					result.WraparoundCount++
				}
				estimator.IncomingPacket(arrival, packetSize, ssrc, rtpTimestamps[i])
				result.TotalPackets++
			}

			// Cooperative scheduling: run a cycle whenever one is due.
			if estimator.TimeUntilNextProcess() <= 0 {
				estimator.Process()
				result.TotalCycles++
			}

			if estimate, ok := estimator.LatestEstimate(); ok {
				result.FinalEstimate = estimate
				if estimate <= 0 {
					fmt.Printf("[%s] WARNING: Non-positive estimate: %d\n", formatDuration(elapsed), estimate)
					result.SuspiciousEvents++
				}
			}

			if now.Sub(lastStatusTime) >= statusInterval {
				lastStatusTime = now
				runtime.ReadMemStats(&memStats)

				heapMB := float64(memStats.HeapAlloc) / (1024 * 1024)
				if heapMB > result.PeakHeapMB {
					result.PeakHeapMB = heapMB
				}
				result.TotalGCCycles = memStats.NumGC

				fmt.Printf("[%s] Packets: %d, Cycles: %d, Estimate: %.2f Mbps, HeapAlloc: %.2f MB, NumGC: %d\n",
					formatDuration(elapsed),
					result.TotalPackets,
					result.TotalCycles,
					float64(result.FinalEstimate)/1e6,
					heapMB,
					memStats.NumGC)

				// Memory limit check (100 MB)
				if heapMB > 100 {
					fmt.Printf("[%s] ERROR: Memory limit exceeded: %.2f MB\n", formatDuration(elapsed), heapMB)
					result.Status = "FAIL"
				}
			}
		}
	}
}

func printSummary(result SoakResult) {
	fmt.Printf("\n")
	fmt.Printf("Soak Test Complete\n")
	fmt.Printf("==================\n")
	fmt.Printf("Duration:          %v\n", result.Duration.Round(time.Second))
	fmt.Printf("Total packets:     %d\n", result.TotalPackets)
	fmt.Printf("Total cycles:      %d\n", result.TotalCycles)
	fmt.Printf("Final estimate:    %.2f Mbps\n", float64(result.FinalEstimate)/1e6)
	fmt.Printf("Peak HeapAlloc:    %.2f MB\n", result.PeakHeapMB)
	fmt.Printf("Total GC cycles:   %d\n", result.TotalGCCycles)
	fmt.Printf("Wraparounds:       %d\n", result.WraparoundCount)
	fmt.Printf("Suspicious events: %d\n", result.SuspiciousEvents)
	fmt.Printf("Status:            %s\n", result.Status)
	fmt.Printf("\n")

	fmt.Printf("Pass Criteria:\n")
	fmt.Printf("  - No panics:            %s\n", checkMark(true))
	fmt.Printf("  - Final estimate > 0:   %s\n", checkMark(result.FinalEstimate > 0))
	fmt.Printf("  - Peak memory < 100 MB: %s\n", checkMark(result.PeakHeapMB < 100))
	fmt.Printf("  - No estimate errors:   %s\n", checkMark(result.SuspiciousEvents == 0))
}

func formatDuration(d time.Duration) string {
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func checkMark(pass bool) string {
	if pass {
		return "PASS"
	}
	return "FAIL"
}
