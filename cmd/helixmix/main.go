// Command helixmix runs multi-phase orchestration requests from the command
// line and serves run events over HTTP.
package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/danshapiro/helixmix/internal/config"
	"github.com/danshapiro/helixmix/internal/llm"
)

// errPreflightFailed is returned when at least one preflight check failed.
var errPreflightFailed = errors.New("preflight failed")

// app is the state shared by every subcommand.
type app struct {
	v   *viper.Viper
	log *zap.Logger
}

func main() {
	err := newRootCmd().Execute()
	if err != nil && !errors.Is(err, errPreflightFailed) {
		fmt.Fprintln(os.Stderr, "error: "+errorText(err))
	}
	os.Exit(exitCode(err))
}

func newRootCmd() *cobra.Command {
	a := &app{v: viper.New(), log: zap.NewNop()}

	root := &cobra.Command{
		Use:           "helixmix",
		Short:         "Plan with a cloud reasoner, fan out to local specialists, integrate the results",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.log.Sync()
		},
	}
	pf := root.PersistentFlags()
	pf.BoolP("verbose", "v", false, "enable debug logging")
	pf.String("config-dir", config.DefaultDir, "directory holding the settings files")
	pf.String("sessions-dir", ".", "directory under which sessions/ is created (empty disables sessions)")

	root.AddCommand(newRunCmd(a), newPreflightCmd(a), newModelsCmd(a), newEventsCmd(a))
	return root
}

// setup layers HELIXMIX_* environment variables over flag defaults and
// builds the logger.
func (a *app) setup(cmd *cobra.Command) error {
	a.v.SetEnvPrefix("HELIXMIX")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	if a.v.GetBool("verbose") {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = log
	return nil
}

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	switch llm.KindOf(err) {
	case llm.KindCancelled:
		return 130
	case llm.KindConfiguration:
		return 2
	}
	return 1
}

// errorText prefixes run failures with their error kind.
func errorText(err error) string {
	var re *runError
	if errors.As(err, &re) {
		return llm.Tagged(re.err)
	}
	return err.Error()
}
