// gpunetd is the GPU packet I/O daemon.
//
// It configures NIC queues, flow steering and GPU memory from its
// configuration file, runs the RX and TX workers, and serves status over
// HTTP, gRPC health and an optional local console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/psaab/gpunetio/pkg/daemon"
	"github.com/psaab/gpunetio/pkg/logging"
)

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	apiAddr := flag.String("api-addr", "127.0.0.1:8080", "HTTP API listen address (empty to disable)")
	grpcAddr := flag.String("grpc-addr", "127.0.0.1:50051", "gRPC health listen address (empty to disable)")
	apiKeys := flag.String("api-key", "", "comma-separated API keys required by the HTTP API")
	console := flag.Bool("console", false, "run the interactive console on stdin")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logHandler := logging.Setup(os.Stderr, logLevel)

	var keys []string
	for _, k := range strings.Split(*apiKeys, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		APIAddr:    *apiAddr,
		GRPCAddr:   *grpcAddr,
		APIKeys:    keys,
		Console:    *console,
		Log:        logHandler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "gpunetd: %v\n", err)
		os.Exit(1)
	}
}
