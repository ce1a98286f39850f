package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ciriscore/agentcore/internal/adapter/cliadapter"
	"github.com/ciriscore/agentcore/internal/audit"
	"github.com/ciriscore/agentcore/internal/clock"
	"github.com/ciriscore/agentcore/internal/config"
	"github.com/ciriscore/agentcore/internal/observer"
	"github.com/ciriscore/agentcore/internal/runtime"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot the agent core and process until interrupted",
	Long: `Run opens the databases, verifies (or bootstraps) the agent identity,
starts the observer/sink pipeline and the processor loop, and serves the
HTTP boundary if an address is configured. SIGINT/SIGTERM trigger the
ordered shutdown.`,
	RunE: runAgent,
}

func init() {
	runCmd.Flags().String("http-addr", "", "serve the HTTP boundary on this address (e.g. :8080)")
	runCmd.Flags().String("export-path", "", "append audit entries to this file")
	runCmd.Flags().String("export-format", "jsonl", "audit export format (jsonl, csv, sqlite)")
	runCmd.Flags().String("transcript-dir", "", "write a JSONL transcript of outbound traffic into this directory")
	runCmd.Flags().String("user", "operator", "author id for terminal input")
	_ = viper.BindPFlag("http_addr", runCmd.Flags().Lookup("http-addr"))
	_ = viper.BindPFlag("transcript_dir", runCmd.Flags().Lookup("transcript-dir"))
	_ = viper.BindPFlag("export_path", runCmd.Flags().Lookup("export-path"))
	_ = viper.BindPFlag("export_format", runCmd.Flags().Lookup("export-format"))
	rootCmd.AddCommand(runCmd)
}

// newLogger builds the process logger at the configured level.
func newLogger(cfg *config.EssentialConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(cfg.Runtime.LogLevel)); err != nil {
		return nil, fmt.Errorf("bad log level %q: %w", cfg.Runtime.LogLevel, err)
	}

	zcfg := zap.NewProductionConfig()
	if cfg.Runtime.DebugMode {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rt, err := runtime.New(cfg, logger, runtime.Options{
		HTTPAddr:      viper.GetString("http_addr"),
		ExportPath:    viper.GetString("export_path"),
		ExportFormat:  audit.ExportFormat(viper.GetString("export_format")),
		TranscriptDir: viper.GetString("transcript_dir"),
	})
	if err != nil {
		return err
	}

	// The terminal adapter is built after the runtime because its
	// observer needs the runtime's services.
	rec, err := rt.Identity().Current()
	if err != nil {
		return err
	}
	userID, _ := cmd.Flags().GetString("user")

	obs := observer.New(observer.Config{
		AgentID:         rec.Root.Name,
		AdapterName:     "cli",
		DeferralChannel: "deferrals",
		WAAuthorNames:   map[string]bool{"WA_USER": true},
	}, logger, nil, rt.Secrets(), rt.Tasks(), rt.Feedback(), nil, rt.Audit())

	term := cliadapter.New(logger, clock.New(), os.Stdin, os.Stdout, obs, userID)
	rt.AttachAdapter(term)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("agentcore starting", zap.String("agent", rec.Root.Name))
	return rt.Run(ctx)
}
