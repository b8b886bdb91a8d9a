// Command custody manages tamper-evident chain-of-custody ledgers: it
// records evidence handling events, seals artifacts into Merkle batches,
// produces inclusion proofs and anchors ledger state externally.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the CLI and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	a := &app{v: viper.New(), out: stdout, errOut: stderr}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	defer a.close()
	if err != nil {
		fmt.Fprintf(stderr, "custody: %v\n", err)
	}
	return exitCode(err)
}

// app carries per-invocation state shared by the commands.
type app struct {
	v      *viper.Viper
	out    io.Writer
	errOut io.Writer
	logger *zap.Logger

	cfgFile string
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("close failed", zap.Error(err))
		}
	}
	a.closers = nil
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "custody",
		Short: "Tamper-evident chain-of-custody ledger",
		Long: `custody records every handling step of digital evidence in a hash-chained
ledger, seals artifact digests into Merkle batches with per-artifact
inclusion proofs and submits ledger state to an external anchor.

Each case has its own ledger:

  custody --case case-2024-17 init-ledger
  custody --case case-2024-17 ingest disk.img photo.jpg
  custody --case case-2024-17 build-merkle
  custody --case case-2024-17 verify-ledger`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default configs/custody.yaml or ./custody.yaml)")
	pf.String("case", "", "case name; selects the ledger (default \"default\")")
	pf.String("storage", "", "storage URL: a directory, file://, postgres:// or redis:// (default ./data)")
	pf.String("log-level", "", "log level: debug, info, warn or error (default info)")
	_ = a.v.BindPFlag("case", pf.Lookup("case"))
	_ = a.v.BindPFlag("storage.url", pf.Lookup("storage"))
	_ = a.v.BindPFlag("log.level", pf.Lookup("log-level"))

	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageErr(err)
	})

	root.AddCommand(
		newInitLedgerCmd(a),
		newAppendEventCmd(a),
		newVerifyLedgerCmd(a),
		newEventsCmd(a),
		newIngestCmd(a),
		newBuildMerkleCmd(a),
		newProveCmd(a),
		newVerifyProofCmd(a),
		newExportProofCmd(a),
		newVerifyBundleCmd(a),
		newAnchorCmd(a),
		newServeCmd(a),
		newTokenCmd(a),
		newVersionCmd(a),
	)
	return root
}

// init loads configuration and builds the logger. It runs before every
// subcommand.
func (a *app) init(cmd *cobra.Command) error {
	setDefaults(a.v)

	if a.cfgFile != "" {
		a.v.SetConfigFile(a.cfgFile)
	} else {
		a.v.SetConfigName("custody")
		a.v.SetConfigType("yaml")
		a.v.AddConfigPath("configs")
		a.v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home + "/.custody")
		}
	}
	a.v.SetEnvPrefix("CUSTODY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return usageErr(fmt.Errorf("read config: %w", err))
		}
	}

	logger, err := newLogger(a.v.GetString("log.level"), a.errOut)
	if err != nil {
		return usageErr(err)
	}
	a.logger = logger.With(zap.String("case", a.v.GetString("case")))
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("config loaded", zap.String("file", used), zap.String("command", cmd.Name()))
	}
	return nil
}

// newLogger builds a production-style JSON logger writing to w.
func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(w),
		lvl,
	)
	return zap.New(core), nil
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the custody version",
		Args:  exactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.out, "custody %s\n", version)
		},
	}
}
