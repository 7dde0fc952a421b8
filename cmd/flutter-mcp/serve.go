package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/internal/bridge"
	"github.com/standardbeagle/flutter-mcp/internal/config"
	"github.com/standardbeagle/flutter-mcp/internal/logging"
)

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if cfg.Transport == config.TransportStdio && isTerminal() {
		fmt.Fprint(os.Stderr, stdioHint)
	}

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	b, err := bridge.New(bridge.Options{
		Config:  *cfg,
		Version: Version,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer b.Dispose()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	setupSignalHandling(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("shutting down", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := b.Initialize(ctx); err != nil {
		return err
	}
	logger.Info("flutter-mcp started",
		zap.String("version", Version),
		zap.String("transport", cfg.Transport),
		zap.String("vm_uri_file", cfg.VMURIFile),
		zap.String("vm_host", cfg.VMHost),
		zap.Int("vm_port", cfg.VMPort))

	return b.Serve(ctx)
}

// isTerminal reports whether stdin and stdout are both terminals, which
// means no MCP client is on the other end of the stdio transport.
func isTerminal() bool {
	stdinStat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	stdoutStat, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return stdinStat.Mode()&os.ModeCharDevice != 0 && stdoutStat.Mode()&os.ModeCharDevice != 0
}

const stdioHint = `flutter-mcp speaks MCP over stdin/stdout and is meant to be started by an
MCP client. Add it to your client configuration, for example:

  {
    "servers": {
      "flutter": {
        "command": "flutter-mcp",
        "args": ["--vm-uri-file", "/tmp/flutter-vm.uri"]
      }
    }
  }

and start your app with: flutter run --vmservice-out-file=/tmp/flutter-vm.uri

Waiting for JSON-RPC on stdin. Press Ctrl+C to exit.
`
