// artifactstore is the storage engine daemon and its operator CLI.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/tunnelmesh/artifactstore/internal/svc"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	cfgFile    string
	logLevel   string
	serverAddr string
	adminToken string
)

func main() {
	if svc.IsServiceMode(os.Args) {
		runAsService()
		return
	}

	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "artifactstore",
		Short: "Artifact repository storage engine",
		Long: `artifactstore stores the content-addressed blobs of an artifact repository
across filesystem, S3, HDFS and object store backends.

Run the daemon:

  artifactstore serve --config /etc/artifactstore/artifactstore.yaml

Operate a running daemon through its admin API:

  artifactstore migrate create proj generic-local --to cold
  artifactstore migrate list
  artifactstore archive compress <sha256> --credential cold --wait
  artifactstore gc --dry-run
  artifactstore cache stats`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVarP(&serverAddr, "server", "s", "127.0.0.1:8480", "admin API address")
	rootCmd.PersistentFlags().StringVar(&adminToken, "token", os.Getenv("ARTIFACTSTORE_TOKEN"), "admin API token (default $ARTIFACTSTORE_TOKEN)")

	// Hidden flag set on the command line the service manager runs.
	var serviceRun bool
	rootCmd.PersistentFlags().BoolVar(&serviceRun, "service-run", false, "Run as a service (internal use)")
	_ = rootCmd.PersistentFlags().MarkHidden("service-run")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newMigrateCmd())
	rootCmd.AddCommand(newArchiveCmd())
	rootCmd.AddCommand(newGCCmd())
	rootCmd.AddCommand(newCacheCmd())
	rootCmd.AddCommand(newServiceCmd())

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "artifactstore %s\n", Version)
			_, _ = fmt.Fprintf(out, "  Commit:     %s\n", Commit)
			_, _ = fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		},
	})

	return rootCmd
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// runAsService is used when the service manager starts the binary with
// --service-run.
func runAsService() {
	logLevel = "info"
	setupLogging()

	configPath := svc.DefaultConfigPath()
	for i, arg := range os.Args {
		if (arg == "--config" || arg == "-c") && i+1 < len(os.Args) {
			configPath = os.Args[i+1]
		}
	}

	cfg := svc.DefaultServiceConfig()
	cfg.ConfigPath = configPath
	log.Info().Str("config", configPath).Str("version", Version).Msg("Starting as service")

	prg := &svc.Program{ConfigPath: configPath, Run: runServe}
	if err := svc.Run(prg, cfg); err != nil {
		log.Fatal().Err(err).Msg("Service error")
	}
}
