// Command tuncat relays its standard input to a far end over a packet transport (TCP,
// WebSocket, WebRTC DataChannel, QUIC datagrams or an in-process loopback) and
// writes what the far end sends back to standard output. Logs go to stderr.
//
// Settings come from tuncat.yaml and TUNCAT_* variables; the flags below
// override them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"github.com/1ureka/tuncat/internal/app"
	"github.com/1ureka/tuncat/internal/config"
	"github.com/1ureka/tuncat/internal/util"
)

var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// Root context, cancelled on Ctrl+C or SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI flags.
	configPath := flag.String("config", "", "Path to a YAML config file")
	kind := flag.String("driver", "", "Transport: tcp, ws, rtc, quic or mem")
	addr := flag.String("addr", "", "Far end address (host:port or signaling URL)")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Fprintln(os.Stderr, version)
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		return 1
	}
	if *kind != "" {
		cfg.Driver.Kind = *kind
	}
	if *addr != "" {
		cfg.Driver.Addr = *addr
	}
	if *debugMode {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		util.LogError("%v", err)
		return 1
	}

	logFile, err := util.ConfigureLogging(cfg.LogOptions())
	if err != nil {
		util.LogError("%v", err)
		return 1
	}
	defer logFile.Close()

	pterm.Info.Println(fmt.Sprintf("Tuncat — v%s", version))

	if err := app.RunClient(ctx, cfg, os.Stdin, os.Stdout); err != nil {
		util.LogError("session failed: %v", err)
		return 1
	}
	return 0
}
