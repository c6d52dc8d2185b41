// Package terminal contains the quik-go commands talking to a running QUIK
// terminal through the quik-lua-rpc bridge.
package terminal

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexveden/quik-go/cli/options"
	"github.com/alexveden/quik-go/pkg/client"
	"github.com/alexveden/quik-go/pkg/config"
	"github.com/alexveden/quik-go/pkg/quikrpc"
	"github.com/alexveden/quik-go/pkg/services/metrics"
	"github.com/urfave/cli"
	"go.uber.org/zap"
)

// NewCommands returns the terminal-facing command set.
func NewCommands() []cli.Command {
	instrumentFlags := []cli.Flag{
		cli.StringFlag{Name: "class", Usage: "instrument class code (SPBFUT, TQBR, ...)", Required: true},
		cli.StringFlag{Name: "sec", Usage: "security code (SiU9, RIH1, ...)", Required: true},
	}
	return []cli.Command{
		{
			Name:      "rpc",
			Usage:     "perform a one-shot RPC call",
			UsageText: "quik-go rpc [--config path] [--rpc endpoint] method [json-args]",
			Action:    rpcCall,
			Flags:     options.Common(),
		},
		{
			Name:   "history",
			Usage:  "fetch a candle series",
			Action: history,
			Flags: append(append([]cli.Flag{}, options.Common()...), append(instrumentFlags,
				cli.StringFlag{Name: "interval, i", Usage: "candle interval (tick, m1..m30, h1, h2, h4, d1, w1, mn1)", Value: "m1"},
			)...),
		},
		{
			Name:   "params",
			Usage:  "watch real-time parameters of an instrument",
			Action: params,
			Flags: append(append([]cli.Flag{}, options.Common()...), append(instrumentFlags,
				cli.StringFlag{Name: "params, p", Usage: "comma-separated parameter names", Value: "bid,offer,last"},
				cli.DurationFlag{Name: "interval, i", Usage: "update interval", Value: time.Second},
			)...),
		},
		{
			Name:   "events",
			Usage:  "tail the terminal event stream",
			Action: events,
			Flags:  options.Common(),
		},
	}
}

// makeClient builds and initializes a client plus its optional monitoring
// endpoints. The returned closer shuts everything down.
func makeClient(ctx *cli.Context) (*client.Client, config.Config, func(), error) {
	cfg, err := options.GetConfig(ctx)
	if err != nil {
		return nil, cfg, nil, err
	}
	log, err := options.Logger(cfg)
	if err != nil {
		return nil, cfg, nil, cli.NewExitError(err, 1)
	}
	cl, err := client.New(cfg, log)
	if err != nil {
		return nil, cfg, nil, cli.NewExitError(err, 1)
	}
	prom := metrics.NewPrometheusService(cfg.Prometheus, log)
	pprof := metrics.NewPprofService(cfg.Pprof, log)
	closer := func() {
		_ = cl.Shutdown()
		prom.ShutDown()
		pprof.ShutDown()
		_ = log.Sync()
	}
	if err := cl.Init(); err != nil {
		closer()
		return nil, cfg, nil, cli.NewExitError(err, 1)
	}
	prom.Start()
	pprof.Start()
	if err := cl.Heartbeat(); err != nil {
		closer()
		return nil, cfg, nil, cli.NewExitError(fmt.Errorf("terminal is not answering: %w", err), 1)
	}
	return cl, cfg, closer, nil
}

func rpcCall(ctx *cli.Context) error {
	if ctx.NArg() < 1 {
		return cli.NewExitError("method name is required", 1)
	}
	method := ctx.Args().Get(0)
	var args any
	if raw := ctx.Args().Get(1); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return cli.NewExitError(fmt.Errorf("args must be a JSON object: %w", err), 1)
		}
	}

	cl, _, closer, err := makeClient(ctx)
	if err != nil {
		return err
	}
	defer closer()

	res, err := cl.RPCCall(method, args)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	fmt.Fprintln(ctx.App.Writer, string(res))
	return nil
}

func history(ctx *cli.Context) error {
	interval, err := quikrpc.ParseInterval(ctx.String("interval"))
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	cl, _, closer, err := makeClient(ctx)
	if err != nil {
		return err
	}
	defer closer()

	candles, err := cl.GetPriceHistory(ctx.String("class"), ctx.String("sec"), interval, client.HistoryOptions{})
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	for _, b := range candles {
		fmt.Fprintf(ctx.App.Writer, "%s\to=%g h=%g l=%g c=%g v=%g\n",
			b.Time.Format("2006-01-02 15:04:05"), b.Open, b.High, b.Low, b.Close, b.Volume)
	}
	fmt.Fprintf(ctx.App.Writer, "%d bars\n", len(candles))
	return nil
}

func params(ctx *cli.Context) error {
	names := strings.Split(ctx.String("params"), ",")
	for i := range names {
		names[i] = strings.TrimSpace(names[i])
	}
	cl, _, closer, err := makeClient(ctx)
	if err != nil {
		return err
	}
	defer closer()

	classCode, secCode := ctx.String("class"), ctx.String("sec")
	if err := cl.ParamsSubscribe(classCode, secCode, ctx.Duration("interval"), names); err != nil {
		return cli.NewExitError(err, 1)
	}

	stop := newStopSignal()
	tick := time.NewTicker(ctx.Duration("interval"))
	defer tick.Stop()
	for {
		select {
		case <-stop:
			return nil
		case <-tick.C:
			snap, err := cl.ParamsGet(classCode, secCode)
			if err != nil {
				fmt.Fprintf(ctx.App.Writer, "error: %v\n", err)
				continue
			}
			parts := make([]string, 0, len(snap))
			for _, name := range names {
				key := strings.ToLower(name)
				parts = append(parts, fmt.Sprintf("%s=%s", key, snap[key]))
			}
			fmt.Fprintln(ctx.App.Writer, strings.Join(parts, " "))
		}
	}
}

func events(ctx *cli.Context) error {
	cfg, err := options.GetConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.EventHost == "" {
		return cli.NewExitError("an event endpoint is required, pass --events or set event_host", 1)
	}
	log, err := options.Logger(cfg)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	cl, err := client.New(cfg, log)
	if err != nil {
		return cli.NewExitError(err, 1)
	}
	cl.OnEvent(func(ev client.Event) {
		fmt.Fprintf(ctx.App.Writer, "%s %s %s\n",
			ev.ReceivedUTC.Format(time.RFC3339), ev.Name, string(ev.Data))
	})
	if err := cl.Init(); err != nil {
		return cli.NewExitError(err, 1)
	}
	defer func() { _ = cl.Shutdown() }()

	log.Info("listening for events", zap.String("endpoint", cfg.EventHost))
	<-newStopSignal()
	return nil
}

func newStopSignal() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	return ch
}
