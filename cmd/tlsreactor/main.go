// Copyright 2015 Matthew Holt and The Caddy Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command tlsreactor runs a small demo echo server/client over the
// session core, wiring the reactor's selector loop, the fake
// handshake engine, and the Prometheus metrics registered in
// internal/metrics to a real TCP listener.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"

	"github.com/tlsreactor/tlsreactor/engine"
	ilmetrics "github.com/tlsreactor/tlsreactor/internal/metrics"
	"github.com/tlsreactor/tlsreactor/reactor"
	"github.com/tlsreactor/tlsreactor/session"
)

func newLogger(debugLevel bool) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	level := zapcore.InfoLevel
	if debugLevel {
		level = zapcore.DebugLevel
	}
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(os.Stderr), level)
	return zap.New(core)
}

func sessionMetrics() session.Metrics {
	return session.Metrics{
		HandshakeStarted:   ilmetrics.HandshakesStarted.Inc,
		HandshakeCompleted: ilmetrics.HandshakesCompleted.Inc,
		HandshakeFailed:    func(reason string) { ilmetrics.HandshakesFailed.WithLabelValues(reason).Inc() },
		SessionClosed:      func(reason string) { ilmetrics.SessionsClosed.WithLabelValues(reason).Inc() },
		BytesWrapped:       func(n int) { ilmetrics.BytesWrapped.Add(float64(n)) },
		BytesUnwrapped:     func(n int) { ilmetrics.BytesUnwrapped.Add(float64(n)) },
		TaskOffloaded:      ilmetrics.DelegatedTasksOffloaded.Inc,
	}
}

func serveMetricsEndpoint(log *zap.Logger, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
			log.Error("metrics endpoint exited", zap.Error(err))
		}
	}()
}

func newRootCmd() *cobra.Command {
	var debugLevel bool
	root := &cobra.Command{
		Use:          "tlsreactor",
		Short:        "Readiness-driven TLS session reactor demo",
		SilenceUsage: true,
	}
	root.PersistentFlags().BoolVar(&debugLevel, "debug", false, "enable debug-level logging")

	root.AddCommand(newServeCmd(&debugLevel))
	root.AddCommand(newDialCmd(&debugLevel))
	return root
}

func newServeCmd(debugLevel *bool) *cobra.Command {
	var (
		addr             string
		metricsAddr      string
		taskWorkers      int
		requireTask      bool
		packetSize       int
		handshakeTimeout time.Duration
		idleTimeout      time.Duration
		acceptBackoff    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the echo server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := session.Config{
				PacketBufferSize: packetSize,
				HandshakeTimeout: handshakeTimeout,
				IdleTimeout:      idleTimeout,
				AcceptBackoff:    acceptBackoff,
			}
			return runServe(*debugLevel, addr, metricsAddr, taskWorkers, requireTask, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9443", "address to listen on")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "127.0.0.1:9090", "address to serve /metrics on (empty disables)")
	cmd.Flags().IntVar(&taskWorkers, "task-workers", 4, "delegated-task worker pool size")
	cmd.Flags().BoolVar(&requireTask, "require-task", false, "force a delegated task during every handshake")
	cmd.Flags().IntVar(&packetSize, "packet-size", 16*1024, "buffer triad capacity per session")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 10*time.Second, "fail a session whose handshake hasn't finished within this long (0 disables)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "close a session with no read/write activity for this long (0 disables)")
	cmd.Flags().DurationVar(&acceptBackoff, "accept-backoff", 5*time.Millisecond, "initial retry delay after a temporary Accept error, doubling up to 1s")
	return cmd
}

func newDialCmd(debugLevel *bool) *cobra.Command {
	var (
		addr             string
		requireTask      bool
		packetSize       int
		message          string
		handshakeTimeout time.Duration
		idleTimeout      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "Connect to an echo server and send one message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := session.Config{
				PacketBufferSize: packetSize,
				HandshakeTimeout: handshakeTimeout,
				IdleTimeout:      idleTimeout,
			}
			return runDial(*debugLevel, addr, requireTask, cfg, message)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:9443", "address to dial")
	cmd.Flags().BoolVar(&requireTask, "require-task", false, "force a delegated task during the handshake")
	cmd.Flags().IntVar(&packetSize, "packet-size", 16*1024, "buffer triad capacity for this session")
	cmd.Flags().StringVar(&message, "message", "hello from tlsreactor", "plaintext payload to send once connected")
	cmd.Flags().DurationVar(&handshakeTimeout, "handshake-timeout", 10*time.Second, "fail the session if the handshake hasn't finished within this long (0 disables)")
	cmd.Flags().DurationVar(&idleTimeout, "idle-timeout", 0, "close the session with no read/write activity for this long (0 disables)")
	return cmd
}

func runServe(debugLevel bool, addr, metricsAddr string, taskWorkers int, requireTask bool, cfg session.Config) error {
	log := newLogger(debugLevel)
	defer log.Sync() //nolint:errcheck

	undoMaxProcs, err := maxprocs.Set(maxprocs.Logger(log.Sugar().Infof))
	defer undoMaxProcs()
	if err != nil {
		log.Warn("failed to set GOMAXPROCS", zap.Error(err))
	}
	_, _ = memlimit.SetGoMemLimitWithOpts(
		memlimit.WithLogger(slog.New(zapslog.NewHandler(log.Core()))),
		memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
	)

	serveMetricsEndpoint(log, metricsAddr)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer ln.Close()
	log.Info("listening", zap.String("addr", ln.Addr().String()))

	r := reactor.New(log, taskWorkers)
	go r.Run()

	var nextIdx int64
	go func() {
		backoff := cfg.AcceptBackoff
		const maxBackoff = time.Second
		for {
			conn, err := ln.Accept()
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				if backoff <= 0 {
					log.Warn("accept", zap.Error(err))
					return
				}
				log.Warn("temporary accept error, backing off", zap.Error(err), zap.Duration("backoff", backoff))
				time.Sleep(backoff)
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = cfg.AcceptBackoff
			idx := int(atomic.AddInt64(&nextIdx, 1))
			eng := engine.NewFakeEngine(engine.Server, requireTask, cfg.PacketBufferSize)
			app := &echoHandler{log: log.Named("echo")}
			sess := session.New(session.Server, eng, conn, r, app, idx, log, sessionMetrics(), cfg)
			if err := r.Register(idx, conn, sess); err != nil {
				log.Error("registering session", zap.Error(err))
				conn.Close()
				continue
			}
			sess.OnAccept()
		}
	}()

	waitForSignal()
	r.Stop()
	return nil
}

func runDial(debugLevel bool, addr string, requireTask bool, cfg session.Config, message string) error {
	log := newLogger(debugLevel)
	defer log.Sync() //nolint:errcheck

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	r := reactor.New(log, 2)
	go r.Run()
	defer r.Stop()

	eng := engine.NewFakeEngine(engine.Client, requireTask, cfg.PacketBufferSize)
	app := &echoHandler{log: log.Named("echo"), outbound: message, done: make(chan struct{})}
	sess := session.New(session.Client, eng, conn, r, app, 1, log, sessionMetrics(), cfg)
	if err := r.Register(1, conn, sess); err != nil {
		return fmt.Errorf("registering session: %w", err)
	}
	sess.OnConnect()

	<-app.done
	return sess.Close()
}

func waitForSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
