package main

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRootCommand_Subcommands(t *testing.T) {
	var got []string
	for _, c := range rootCmd.Commands() {
		got = append(got, c.Name())
	}
	want := []string{"reconcile", "seed", "serve"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Subcommands mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadRuntime_LogLevelOverride(t *testing.T) {
	t.Cleanup(func() { rootFlags.configDir, rootFlags.logLevel, cfg = ".", "", nil })

	rootFlags.configDir = t.TempDir()
	rootFlags.logLevel = "debug"
	if err := loadRuntime(nil, nil); err != nil {
		t.Fatalf("loadRuntime failed: %v", err)
	}
	if cfg == nil || cfg.Log.Level != "debug" {
		t.Fatalf("Expected log level override, got %+v", cfg)
	}
	if cfg.Server.RPCAddress != ":8081" {
		t.Errorf("Expected defaults to apply, got rpc address %q", cfg.Server.RPCAddress)
	}
}
