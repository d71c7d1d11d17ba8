// Command rpcsvc-echo is a demo ONC-RPC echo service: one program,
// one procedure, served over both TCP and UDP. It exists to exercise
// rpcsvc.Service end to end, the way the teacher's cmd/ublk-mem
// exercises the ublk runtime with a trivial memory-backed device.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	rpcsvc "github.com/behrlich/go-rpcsvc"
	"github.com/behrlich/go-rpcsvc/internal/collab"
	"github.com/behrlich/go-rpcsvc/internal/logging"
	"github.com/behrlich/go-rpcsvc/internal/pmap"
	"github.com/behrlich/go-rpcsvc/internal/svcconfig"
)

const (
	echoProgram = 200000
	echoVersion = 1
	procEcho    = 1
)

func mtmodeFlagToDigit(mode string) (string, error) {
	switch mode {
	case "serial":
		return "0", nil
	case "hybrid":
		return "1", nil
	case "concurrent":
		return "2", nil
	default:
		return "", fmt.Errorf("must be serial, hybrid, or concurrent")
	}
}

func echoDispatch(w collab.Worker, procedure uint32) error {
	defer w.Return()

	if procedure != procEcho {
		return w.FreeArgs()
	}

	var args []byte
	if err := w.GetArgs(&args); err != nil {
		return err
	}
	if err := w.Reply(args); err != nil {
		return err
	}
	return w.FreeArgs()
}

func main() {
	var (
		tcpPort   = flag.Int("tcp-port", 0, "TCP port to listen on (0 picks an ephemeral port)")
		udpPort   = flag.Int("udp-port", 0, "UDP port to listen on (0 picks an ephemeral port)")
		host      = flag.String("host", "127.0.0.1", "Host address to bind")
		mtmode    = flag.String("mtmode", "hybrid", "Concurrency mode: serial, hybrid, or concurrent")
		advertise = flag.Bool("advertise", false, "Register with rpcbind via PMAP_SET/PMAP_UNSET")
		pmapAddr  = flag.String("pmap-addr", pmap.DefaultAddr, "rpcbind address used when -advertise is set")
		verbose   = flag.Bool("v", false, "Verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := svcconfig.New()
	mtmodeDigit, err := mtmodeFlagToDigit(*mtmode)
	if err != nil {
		log.Fatalf("invalid -mtmode %q: %v", *mtmode, err)
	}
	if err := cfg.Set("mtmode", mtmodeDigit); err != nil {
		log.Fatalf("invalid -mtmode %q: %v", *mtmode, err)
	}

	var pmapClient collab.PmapClient
	if *advertise {
		pmapClient = pmap.New(*pmapAddr)
	}

	svc := rpcsvc.NewService(rpcsvc.Config{
		SvcConfig:  cfg,
		Logger:     logger,
		PmapClient: pmapClient,
		Codecs:     codecFactory{},
	})

	tcpXp, err := svc.CreateTCPServer(*host, *tcpPort)
	if err != nil {
		logger.Error("failed to create tcp server", "error", err)
		os.Exit(1)
	}
	udpXp, err := svc.CreateUDPServer(*host, *udpPort)
	if err != nil {
		logger.Error("failed to create udp server", "error", err)
		os.Exit(1)
	}

	if err := svc.RegisterProgram(echoProgram, echoVersion, echoDispatch, *advertise); err != nil {
		logger.Error("failed to register echo program", "error", err)
		os.Exit(1)
	}

	logger.Info("echo service listening",
		"tcp_port", tcpXp.Port, "udp_port", udpXp.Port, "mtmode", *mtmode)
	fmt.Printf("rpcsvc-echo listening: tcp=%d udp=%d\n", tcpXp.Port, udpXp.Port)
	fmt.Printf("Press Ctrl+C to stop...\n")
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s\n", buf[:n])
			pprof.Lookup("goroutine").WriteTo(os.Stderr, 2)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- svc.RunLoop(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-runErr:
		if err != nil {
			logger.Error("run loop exited unexpectedly", "error", err)
		}
	}

	svc.RequestShutdown()
	cancel()

	select {
	case <-runErr:
	case <-time.After(5 * time.Second):
		logger.Warn("run loop did not stop within timeout")
	}

	svc.Shutdown()

	if *advertise {
		if err := svc.UnregisterProgram(echoProgram, echoVersion); err != nil {
			logger.Error("failed to unregister from rpcbind", "error", err)
		}
	}

	snap := svc.Metrics().Snapshot()
	logger.Info("final metrics",
		"requests_received", snap.RequestsReceived,
		"requests_dispatched", snap.RequestsDispatched,
		"reply_calls", snap.ReplyCalls)
}
