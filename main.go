package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/pitchroom/callengine/internal/app"
	"github.com/pitchroom/callengine/internal/config"
)

var (
	cfgPath     = flag.String("config", "callengine.json", "Path to the config file")
	showVersion = flag.Bool("version", false, "Show version")
	writeCfg    = flag.Bool("init", false, "Write a default config file and exit")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("callengine v%s\n", appVersion)
		return
	}

	if *writeCfg {
		if _, err := os.Stat(*cfgPath); err == nil {
			fmt.Fprintf(os.Stderr, "refusing to overwrite %s\n", *cfgPath)
			os.Exit(1)
		}
		if err := config.Save(*cfgPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", *cfgPath)
		return
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config %s: %v\n", *cfgPath, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Options{
		CfgPath: *cfgPath,
		Cfg:     cfg,
		Version: appVersion,
	}); err != nil {
		log.Fatalf("APP: %v", err)
	}
}
