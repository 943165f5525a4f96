package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/Tutortoise/face-recognition-service/config"
	log "github.com/sirupsen/logrus"
)

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.GetLevel())

	if err := setupLogging(config.LogConfig{Level: "debug"}); err != nil {
		t.Fatalf("setupLogging: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("level = %v", log.GetLevel())
	}
	if err := setupLogging(config.LogConfig{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	defer rootCmd.SetArgs(nil)

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !strings.HasPrefix(out.String(), "face-service "+Version) {
		t.Errorf("output = %q", out.String())
	}
}

func TestOpenStoreWithoutDataDir(t *testing.T) {
	cfg = config.Default()
	store, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer store.Close()

	cfg.Storage.DataDir = t.TempDir()
	disk, err := openStore()
	if err != nil {
		t.Fatalf("openStore on disk: %v", err)
	}
	disk.Close()
}
