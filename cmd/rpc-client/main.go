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

// Command rpc-client dials a rpc-server and exercises the demo Echo and
// Numbers services, mirroring xtaci-kcptun's client/main.go dial lifecycle.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/flowrpc/flow/balancer"
	"github.com/flowrpc/flow/client"
	"github.com/flowrpc/flow/config"
	"github.com/flowrpc/flow/pending"
	"github.com/flowrpc/flow/transport/kcpsubstrate"
)

// staticResolver always returns a single placeholder endpoint: the wire
// connection is already bound to one remote by dialing, so resolution here
// exists only to satisfy the engine's admission checks and SWRR bookkeeping.
type staticResolver struct{}

func (staticResolver) FindEndpoints(string) []balancer.Endpoint {
	return []balancer.Endpoint{{ID: "remote", Weight: 1}}
}

func main() {
	app := cli.NewApp()
	app.Name = "rpc-client"
	app.Usage = "flow RPC demo client"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "remote, r", Value: "127.0.0.1:29900", Usage: "KCP server address"},
		cli.StringFlag{Name: "config, c", Usage: "path to a YAML config file"},
		cli.StringFlag{Name: "key", EnvVar: "FLOW_KEY", Usage: "pre-shared secret"},
		cli.StringFlag{Name: "call", Value: "echo", Usage: "demo to run: echo or numbers"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("rpc-client: exiting")
	}
}

func run(c *cli.Context) error {
	log := zerolog.New(os.Stdout).With().Timestamp().Str("component", "rpc-client").Logger()

	cfg, err := config.Load(c.String("config"), log)
	if err != nil {
		return err
	}
	if c.IsSet("key") {
		cfg.PresharedKey = c.String("key")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if len(cfg.PresharedKey) < 8 {
		color.Red("WARNING: pre-shared key is shorter than 8 characters, derived session key strength is reduced.")
	}

	kcpCfg := kcpsubstrate.DefaultConfig()
	kcpCfg.Cipher = cfg.Cipher
	kcpCfg.Key = kcpsubstrate.DeriveKey(cfg.PresharedKey)

	sess, err := kcpsubstrate.DialSession(log, c.String("remote"), kcpCfg)
	if err != nil {
		return err
	}
	defer sess.Close()

	ch, err := sess.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	engine := client.New(client.Options{
		Publication:    ch.Publication(),
		Subscription:   ch.Subscription(),
		Resolver:       staticResolver{},
		Timeout:        cfg.DefaultCallTimeout,
		PollFragments:  cfg.PollFragmentLimit,
		ReaperInterval: cfg.ReaperInterval,
		Logger:         log,
	})
	defer engine.Shutdown()

	switch c.String("call") {
	case "numbers":
		return runNumbers(engine)
	default:
		return runEcho(engine)
	}
}

func runEcho(engine *client.Engine) error {
	comp := engine.Call("Echo", "say", []byte(`"hello from rpc-client"`))
	value, err := comp.Await()
	if err != nil {
		return err
	}
	fmt.Println("Echo reply:", string(value))
	return nil
}

func runNumbers(engine *client.Engine) error {
	done := make(chan error, 1)
	var sum int
	sink := numbersSink{
		onNext: func(v []byte) {
			var n int
			if err := json.Unmarshal(v, &n); err == nil {
				sum += n
			}
		},
		onComplete: func() { done <- nil },
		onError:    func(err error) { done <- err },
	}
	engine.Stream("Numbers", "count", []byte(`5`), sink)

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		fmt.Println("Numbers sum:", sum)
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("rpc-client: numbers stream timed out")
	}
}

type numbersSink struct {
	onNext     func([]byte)
	onComplete func()
	onError    func(error)
}

func (s numbersSink) OnNext(v []byte)   { s.onNext(v) }
func (s numbersSink) OnComplete()       { s.onComplete() }
func (s numbersSink) OnError(err error) { s.onError(err) }

var _ pending.StreamSink = numbersSink{}
