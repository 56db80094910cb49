// Command chatserver runs one chat-serving instance: it accepts client
// connections, keeps their sessions alive with a heartbeat sweep and
// registers itself with the balancer.
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dreamware/parley/internal/config"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.Name == "" {
		cfg.Name = "chat-" + strconv.Itoa(cfg.Port)
	}

	fx.New(
		Module(cfg),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
	).Run()
}
