package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/appdrive/frontend"
	"github.com/guseggert/appdrive/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "appdrive-client",
		Usage: "connects to an appdrive backend and logs the resources it would inject",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "The backend's host:port.",
				Value:   rpc.DefaultAddr,
				EnvVars: []string{"APPDRIVE_ADDR"},
			},
			&cli.DurationFlag{
				Name:  "retry-delay",
				Usage: "How long to wait before redialing a dropped connection.",
				Value: rpc.DefaultRetryDelay,
			},
			&cli.DurationFlag{
				Name:  "request-timeout",
				Usage: "How long a request may wait for its reply.",
				Value: rpc.DefaultRequestTimeout,
			},
			&cli.DurationFlag{
				Name:  "ping-interval",
				Usage: "How often to ping the backend. Zero disables pings.",
				Value: 0,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
				Value: "info",
			},
		},
		Action: func(ctx *cli.Context) error {
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}
			cfg := zap.NewDevelopmentConfig()
			cfg.Level = zap.NewAtomicLevelAt(level)
			logger, err := cfg.Build()
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}
			defer logger.Sync() //nolint:errcheck
			sugar := logger.Sugar()

			client := frontend.New(ctx.String("addr"),
				frontend.WithLogger(sugar),
				frontend.WithHost(&frontend.LoggingHost{Host: frontend.NewMemoryHost(), Log: sugar.Named("host")}),
				frontend.WithPingInterval(ctx.Duration("ping-interval")),
				frontend.WithPingHandler(func(res rpc.PingResult) {
					if res.Lost {
						sugar.Warn("ping lost")
						return
					}
					sugar.Infow("pong", "Latency", res.Latency)
				}),
				frontend.WithChannelOptions(
					rpc.WithRetryDelay(ctx.Duration("retry-delay")),
					rpc.WithRequestTimeout(ctx.Duration("request-timeout")),
				),
			)
			if err := client.Start(); err != nil {
				return fmt.Errorf("starting client: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			<-sigs
			client.Stop()
			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
