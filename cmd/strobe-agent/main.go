// Command strobe-agent runs the in-target agent against a line-framed
// stdio transport: framed messages from the daemon arrive on stdin,
// events and acks leave on stdout. In a real deployment the agent code is
// injected by a dynamic-instrumentation framework and this binary is the
// standalone harness for driving the same runtime against a simulated
// backend — useful for protocol-level testing without an injectable
// target.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/strobehq/strobe/internal/agent"
	"github.com/strobehq/strobe/internal/framing"
	"github.com/strobehq/strobe/internal/logging"
)

func main() {
	var (
		sessionID = flag.String("session", "", "Session id this agent serves")
		slide     = flag.Uint64("slide", 0, "Runtime slide to add to daemon addresses")
		ringSize  = flag.Uint("ring", agent.DefaultRingCapacity, "Ring buffer capacity (entries)")
		logPath   = flag.String("log", "", "Agent log file (stderr may belong to the target)")
		verbose   = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	if *logPath != "" {
		if f, err := os.OpenFile(*logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
			logConfig.Output = f
			defer f.Close()
		}
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	var sendMu sync.Mutex
	out := bufio.NewWriter(os.Stdout)
	send := func(msg any) error {
		data, err := framing.Marshal(msg)
		if err != nil {
			return err
		}
		sendMu.Lock()
		defer sendMu.Unlock()
		if _, err := out.Write(append(data, '\n')); err != nil {
			return err
		}
		return out.Flush()
	}

	backend := agent.NewSimBackend()
	mem := agent.NewSimMemory()
	metrics := agent.NewMetrics(time.Now())
	rt, err := agent.NewRuntime(agent.RuntimeConfig{
		SessionID:    *sessionID,
		Slide:        *slide,
		RingCapacity: uint32(*ringSize),
		TicksToNS:    1, // timestamps are already nanoseconds on this harness
		Backend:      backend,
		Mem:          mem,
		Send:         send,
		Metrics:      agent.NewMetricsObserver(metrics),
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "agent init failed: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	go rt.Run(ctx, agent.DefaultDrainInterval)

	logger.Info("agent running", "session", *sessionID, "ring", *ringSize)

	sc := bufio.NewScanner(os.Stdin)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := framing.Unmarshal(line)
		if err != nil {
			logger.Warn("malformed message dropped", "error", err)
			continue
		}
		rt.HandleMessage(msg)
	}

	// Final drain so nothing published before shutdown is lost.
	cancel()
	time.Sleep(2 * agent.DefaultDrainInterval)

	snap := metrics.Snapshot(time.Now())
	logger.Info("agent exiting",
		"session", *sessionID,
		"enter_events", snap.EnterEvents,
		"exit_events", snap.ExitEvents,
		"sampled", snap.SampledEvents,
		"overflow", snap.OverflowCount,
		"events_per_sec", fmt.Sprintf("%.0f", snap.EventsPerSecond))
}
