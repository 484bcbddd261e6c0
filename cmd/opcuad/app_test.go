package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/spf13/viper"

	"pkt.systems/opcuad"
	"pkt.systems/pslog"
)

func resetViper() {
	viper.Reset()
	viper.SetEnvPrefix("OPCUAD")
	viper.AutomaticEnv()
}

func TestNewRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand(pslog.NewStructured(io.Discard))
	if cmd, _, err := root.Find([]string{"serve"}); err != nil || cmd.Use != "serve" {
		t.Fatalf("expected serve subcommand, err=%v cmd=%v", err, cmd)
	}
	if cmd, _, err := root.Find([]string{"version"}); err != nil || cmd.Use != "version" {
		t.Fatalf("expected version subcommand, err=%v cmd=%v", err, cmd)
	}
}

func TestBindConfigAppliesFlagDefaults(t *testing.T) {
	defer resetViper()
	resetViper()

	var cfg opcuad.Config
	cmd := newServeCommand(pslog.NewStructured(io.Discard), &cfg)
	for _, name := range []string{
		"server-url", "application-uri", "shutdown-delay", "housekeeping-interval",
		"reverse-connect-retry-interval", "max-server-connections",
		"bundle", "denylist-path", "watch-bundle", "discovery-enabled",
	} {
		bindPFlag(cmd.Flags(), name)
	}

	if err := bindConfig(cmd.Flags(), &cfg); err != nil {
		t.Fatalf("bindConfig: %v", err)
	}
	if cfg.ApplicationURI != opcuad.DefaultApplicationURI {
		t.Fatalf("ApplicationURI = %q, want %q", cfg.ApplicationURI, opcuad.DefaultApplicationURI)
	}
	if cfg.MaxServerConnections != opcuad.DefaultMaxServerConnections {
		t.Fatalf("MaxServerConnections = %d, want %d", cfg.MaxServerConnections, opcuad.DefaultMaxServerConnections)
	}
	if len(cfg.ServerURLs) != 1 || cfg.ServerURLs[0] != opcuad.DefaultServerURL {
		t.Fatalf("ServerURLs = %v, want [%s] (defaulted by Validate)", cfg.ServerURLs, opcuad.DefaultServerURL)
	}
}

func TestVersionCommandPrintsVersion(t *testing.T) {
	cmd := newVersionCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	if err := cmd.RunE(cmd, nil); err != nil {
		t.Fatalf("RunE: %v", err)
	}
	if got := out.String(); got == "" {
		t.Fatalf("expected version output, got empty string")
	}
}

func TestBindPFlagPanicsOnUnknownFlag(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for unknown flag")
		}
	}()
	cmd := newVersionCommand()
	bindPFlag(cmd.Flags(), "does-not-exist")
}
