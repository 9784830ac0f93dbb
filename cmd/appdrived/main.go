package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/guseggert/appdrive/appdrive"
	"github.com/guseggert/appdrive/backend"
	"github.com/guseggert/appdrive/rpc"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:    "appdrived",
		Usage:   "the backend that discovers appdrive bundles and serves them to the UI runtime",
		Version: backend.Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the WebSocket server to listen on.",
				Value:   rpc.DefaultAddr,
				EnvVars: []string{"APPDRIVE_LISTEN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "mount-root",
				Usage:   "The directory that volumes are mounted under.",
				Value:   appdrive.DefaultMountRoot,
				EnvVars: []string{"APPDRIVE_MOUNT_ROOT"},
			},
			&cli.StringSliceFlag{
				Name:    "mount-point",
				Usage:   "Mount point names to scan, in order of precedence.",
				Value:   cli.NewStringSlice(appdrive.DefaultMountPoints...),
				EnvVars: []string{"APPDRIVE_MOUNT_POINTS"},
			},
			&cli.StringFlag{
				Name:    "runtime-mount",
				Usage:   "Where to link the active drive's custom directory.",
				Value:   appdrive.DefaultRuntimeMount,
				EnvVars: []string{"APPDRIVE_RUNTIME_MOUNT"},
			},
			&cli.DurationFlag{
				Name:  "watch",
				Usage: "Rescan this long after volumes change. Zero disables watching.",
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

			layout := appdrive.Layout{
				MountRoot:    ctx.String("mount-root"),
				MountPoints:  ctx.StringSlice("mount-point"),
				RuntimeMount: ctx.String("runtime-mount"),
			}
			opts := []backend.Option{
				backend.WithLogLevel(level),
				backend.WithListenAddr(ctx.String("listen-addr")),
				backend.WithLayout(layout),
			}
			if d := ctx.Duration("watch"); d > 0 {
				opts = append(opts, backend.WithWatch(d))
			}

			b, err := backend.New(opts...)
			if err != nil {
				return fmt.Errorf("building backend: %w", err)
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigs
				if err := b.Stop(); err != nil {
					fmt.Printf("error stopping backend: %s\n", err)
				}
			}()

			return b.Run()
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
