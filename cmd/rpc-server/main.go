// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Command rpc-server hosts the demo Echo and Numbers services over a
// KCP+smux channel, mirroring xtaci-kcptun's server/main.go lifecycle.
package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"
	_ "go.uber.org/automaxprocs"

	"github.com/flowrpc/flow/config"
	"github.com/flowrpc/flow/metrics"
	"github.com/flowrpc/flow/server"
	"github.com/flowrpc/flow/transport/kcpsubstrate"
)

func main() {
	app := cli.NewApp()
	app.Name = "rpc-server"
	app.Usage = "flow RPC demo server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "listen, l", Value: ":29900", Usage: "KCP listen address"},
		cli.StringFlag{Name: "config, c", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "key", EnvVar: "FLOW_KEY", Usage: "pre-shared secret"},
		cli.IntFlag{Name: "workers", Usage: "worker pool size (default: the config's worker_pool_size, 64)"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("rpc-server: exiting")
	}
}

func run(c *cli.Context) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "rpc-server").Logger()

	cfg, err := config.Load(c.String("config"), log)
	if err != nil {
		return err
	}
	if c.IsSet("key") {
		cfg.PresharedKey = c.String("key")
	}
	if c.IsSet("workers") {
		cfg.WorkerPoolSize = c.Int("workers")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.PresharedKey) < 8 {
		color.Red("WARNING: pre-shared key is shorter than 8 characters, derived session key strength is reduced.")
	}

	listenAddr := c.String("listen")
	kcpCfg := kcpsubstrate.DefaultConfig()
	kcpCfg.Cipher = cfg.Cipher
	kcpCfg.Key = kcpsubstrate.DeriveKey(cfg.PresharedKey)

	ln, err := kcpsubstrate.Listen(log, listenAddr, kcpCfg)
	if err != nil {
		return err
	}
	defer ln.Close()
	log.Info().Str("addr", listenAddr).Msg("rpc-server: listening")

	registry := prometheus.NewRegistry()
	shared := metrics.New()
	registry.MustRegister(metrics.NewPrometheusCollector(shared))
	go serveMetrics(log, cfg.MetricsAddr, registry)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case <-stop:
			log.Info().Msg("rpc-server: shutting down")
			return nil
		default:
		}

		sess, err := ln.Accept()
		if err != nil {
			log.Warn().Err(err).Msg("rpc-server: accept failed")
			continue
		}
		go serveSession(log, cfg, sess, shared)
	}
}

func serveSession(log zerolog.Logger, cfg *config.Config, sess *kcpsubstrate.Session, shared *metrics.RpcMetrics) {
	defer sess.Close()

	ch, err := sess.AcceptChannel()
	if err != nil {
		log.Warn().Err(err).Msg("rpc-server: accept channel failed")
		return
	}
	defer ch.Close()

	engine := server.New(server.Options{
		Subscription:   ch.Subscription(),
		Publication:    ch.Publication(),
		WorkerPoolSize: cfg.WorkerPoolSize,
		PollFragments:  cfg.PollFragmentLimit,
		Logger:         log,
		Sink:           shared,
	})
	registerDemoServices(engine)
	engine.Start()
}

// registerDemoServices wires the worked examples from SPEC_FULL.md's
// testable-property scenarios: a unary echo and a server-streaming
// numbers(n) -> [1..n] service.
func registerDemoServices(engine *server.Engine) {
	engine.RegisterUnary("Echo", func(payload []byte) ([]byte, error) {
		return payload, nil
	})

	engine.RegisterStreaming("Numbers", func(payload []byte, sink server.StreamSink) {
		var n int
		if err := json.Unmarshal(payload, &n); err != nil {
			sink.OnError(err)
			return
		}
		if n <= 0 {
			sink.OnError(fmt.Errorf("numbers: n must be positive, got %d", n))
			return
		}
		for i := 1; i <= n; i++ {
			v, _ := json.Marshal(i)
			sink.OnNext(v)
		}
		sink.OnComplete()
	})
}

func serveMetrics(log zerolog.Logger, addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.Info().Str("addr", addr).Msg("rpc-server: serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn().Err(err).Msg("rpc-server: metrics server stopped")
	}
}
