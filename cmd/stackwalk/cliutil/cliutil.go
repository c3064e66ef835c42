// Package cliutil holds the flag handling shared by the stackwalk commands.
package cliutil

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/pflag"

	"github.com/DataExMachina-dev/stackwalk-go/internal/dump"
	"github.com/DataExMachina-dev/stackwalk-go/internal/report"
	"github.com/DataExMachina-dev/stackwalk-go/stackwalk"
	"github.com/DataExMachina-dev/stackwalk-go/target"
)

// EnvBool returns the boolean value of the environment variable key, or def
// if it is unset or malformed.
func EnvBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring malformed environment variable", "key", key, "value", v)
		return def
	}
	return b
}

// AddModeFlag registers --mode.
func AddModeFlag(flags *pflag.FlagSet) {
	flags.String("mode", "gc", "Walk mode: gc or trace")
}

// Kind returns the report kind named by --mode.
func Kind(flags *pflag.FlagSet) (report.Kind, error) {
	mode, err := flags.GetString("mode")
	if err != nil {
		return 0, err
	}
	return report.ParseKind(mode)
}

// AddLoadFlags registers the flags read by Load.
func AddLoadFlags(flags *pflag.FlagSet) {
	flags.Int("pid", 0, "Read memory from this live process instead of the dump's regions")
}

// Load reads the dump at path. Walks always run in inspection mode: a
// corrupt stack is reported as an error.
func Load(flags *pflag.FlagSet, path string) (*dump.Target, error) {
	pid, err := flags.GetInt("pid")
	if err != nil {
		return nil, err
	}
	m, err := dump.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var mem target.Memory
	if pid != 0 {
		pm, err := target.OpenProcess(pid)
		if err != nil {
			return nil, fmt.Errorf("failed to open process %d: %w", pid, err)
		}
		mem = pm
	}
	tgt, err := m.Load(mem, stackwalk.WithInspectionMode(), stackwalk.WithLogger(slog.Default()))
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	slog.Debug("loaded dump",
		"path", path,
		"modules", len(tgt.Modules),
		"threads", len(tgt.Threads))
	return tgt, nil
}

// Fingerprint identifies the memory a target was loaded from. Live memory
// has no fingerprint.
func Fingerprint(tgt *dump.Target) (uint64, error) {
	if tgt.Image == nil {
		return 0, nil
	}
	return tgt.Image.Fingerprint()
}
