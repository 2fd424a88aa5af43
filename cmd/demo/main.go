// Demo runs a batch job against two simulated upstreams, one in process and
// one served over gRPC, and exercises the live controls: pause, resize and
// resume while the job is dispatching.
//
//	go run ./cmd/demo            # 2000 identifiers, 4 threads
//	go run ./cmd/demo 10000 8    # identifiers, threads
package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/beaver-batch/internal/config"
	"github.com/ChuLiYu/beaver-batch/internal/logging"
	"github.com/ChuLiYu/beaver-batch/internal/manager"
	"github.com/ChuLiYu/beaver-batch/internal/metrics"
	"github.com/ChuLiYu/beaver-batch/internal/server"
	"github.com/ChuLiYu/beaver-batch/internal/upstream"
	"github.com/ChuLiYu/beaver-batch/pkg/types"
)

func main() {
	items, threads := 2000, 4
	if len(os.Args) > 1 {
		n, err := strconv.Atoi(os.Args[1])
		if err != nil || n < 0 {
			log.Fatalf("Invalid identifier count %q", os.Args[1])
		}
		items = n
	}
	if len(os.Args) > 2 {
		n, err := strconv.Atoi(os.Args[2])
		if err != nil || n < 1 {
			log.Fatalf("Invalid thread count %q", os.Args[2])
		}
		threads = n
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		log.Fatalf("Failed to listen: %v", err)
	}
	backend := grpc.NewServer()
	upstream.RegisterGRPC(backend, upstream.NewSimConn("sim://grpc-backend", upstream.SimConfig{
		Latency:  5 * time.Millisecond,
		Jitter:   20 * time.Millisecond,
		DownRate: 0.01,
		Items:    items,
	}))
	go backend.Serve(lis)
	defer backend.Stop()

	cfg := config.Default()
	cfg.Job.ThreadCount = threads
	cfg.Job.BatchSize = 10
	cfg.Job.StatsFile = "demo-stats.yaml"
	cfg.Upstream.URIs = []string{
		fmt.Sprintf("sim://primary?items=%d&latency=5ms&jitter=20ms&error=0.002", items),
		"grpc://" + lis.Addr().String(),
	}
	cfg.Loader.Type = "query"
	cfg.Loader.Module = "demo/get-uris.xqy"
	cfg.Task.ProcessModule = "demo/transform.xqy"
	cfg.Queue.MaxInMemory = items / 4
	cfg.Monitor.ProgressInterval = 2 * time.Second
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = "127.0.0.1:9080"

	logger, closer, err := logging.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer closer.Close()

	reg := prometheus.NewRegistry()
	m := manager.New(cfg, manager.Options{Metrics: metrics.NewCollector(reg), Logger: logger})

	srv := server.New(m, server.Config{Addr: cfg.Admin.Addr, Gatherer: reg, Logger: logger})
	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start admin server: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}()

	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           Beaver-Batch Demo                               ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Printf("Identifiers: %d   Threads: %d   Admin: http://%s\n", items, threads, srv.Addr())
	fmt.Println("Press Ctrl+C to stop the job")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\nStopping job...")
		m.Stop()
	}()

	go exerciseControls(m, threads)

	outcome, err := m.Run(context.Background())
	s := m.Stats()

	fmt.Println()
	fmt.Printf("Outcome:    %s\n", outcome)
	fmt.Printf("Completed:  %d/%d identifiers in %d units (%d failed)\n",
		s.CompletedCount, s.ExpectedCount, s.TaskCount, s.FailedCount)
	fmt.Printf("Throughput: %.1f tps\n", s.AvgTPS)
	fmt.Printf("Stats file: %s\n", cfg.Job.StatsFile)
	if err != nil {
		fmt.Printf("Error:      %v\n", err)
	}

	switch {
	case err != nil || outcome == types.OutcomeFailed:
		os.Exit(1)
	case outcome == types.OutcomeStopped:
		os.Exit(2)
	}
}

// exerciseControls pauses the job once dispatch is under way, doubles the
// thread count and resumes.
func exerciseControls(m *manager.Manager, threads int) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		st := m.State()
		if st.IsTerminal() {
			return
		}
		if st == types.StateDispatching || st == types.StateMonitoring {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	if err := m.Pause(); err != nil {
		return
	}
	s := m.Stats()
	fmt.Printf("⏸  Paused at %d/%d\n", s.CompletedCount, s.ExpectedCount)

	time.Sleep(time.Second)
	if err := m.SetThreadCount(threads * 2); err == nil {
		fmt.Printf("🔧 Thread count raised to %d\n", threads*2)
	}
	if err := m.Resume(); err == nil {
		fmt.Println("▶  Resumed")
	}
}
