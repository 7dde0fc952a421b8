package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/standardbeagle/flutter-mcp/internal/config"
)

var (
	// Version is set at build time
	Version = "dev"

	configPath      string
	vmHost          string
	vmPort          int
	vmURIFile       string
	transport       string
	httpAddr        string
	diagnosticsAddr string
	catalogFile     string
	debugMode       bool
)

var rootCmd = &cobra.Command{
	Use:   "flutter-mcp",
	Short: "MCP server bridging AI agents to a running Flutter app",
	Long: `flutter-mcp connects to the Dart VM service of a Flutter app started in
debug mode and exposes it to MCP clients. Tools and resources the app
registers at runtime appear as MCP tools and resources and are forwarded
to the app when called.

Examples:
  flutter-mcp                                 # stdio, VM service on 127.0.0.1:8181
  flutter-mcp --vm-port 9100                  # different VM service port
  flutter-mcp --vm-uri-file /tmp/vm.uri       # follow flutter run --vmservice-out-file
  flutter-mcp serve --transport http          # streamable HTTP on 127.0.0.1:7778
  flutter-mcp config                          # print the effective configuration`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bridge (default command)",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "flutter-mcp %s\n", Version)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		data, err := cfg.Encode()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Config file (default ~/.flutter-mcp/config.toml)")
	flags.StringVar(&vmHost, "vm-host", "", "VM service host")
	flags.IntVarP(&vmPort, "vm-port", "p", 0, "VM service port")
	flags.StringVar(&vmURIFile, "vm-uri-file", "", "Follow the VM service URI written to this file")
	flags.StringVarP(&transport, "transport", "t", "", "MCP transport: stdio or http")
	flags.StringVar(&httpAddr, "http-addr", "", "Listen address of the streamable HTTP transport")
	flags.StringVar(&diagnosticsAddr, "diagnostics-addr", "", "Listen address of the diagnostics API (empty disables it)")
	flags.StringVar(&catalogFile, "catalog", "", "YAML file with extra static tools")
	flags.BoolVar(&debugMode, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(serveCmd, versionCmd, configCmd)
	rootCmd.Version = Version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the flags the user set.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("vm-host") {
		cfg.VMHost = vmHost
	}
	if flags.Changed("vm-port") {
		cfg.VMPort = vmPort
	}
	if flags.Changed("vm-uri-file") {
		cfg.VMURIFile = vmURIFile
	}
	if flags.Changed("transport") {
		cfg.Transport = transport
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = httpAddr
	}
	if flags.Changed("diagnostics-addr") {
		cfg.DiagnosticsAddr = diagnosticsAddr
	}
	if flags.Changed("catalog") {
		cfg.CatalogFile = catalogFile
	}
	if flags.Changed("debug") {
		cfg.Debug = debugMode
	}
}
