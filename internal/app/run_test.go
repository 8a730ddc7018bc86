package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hitoshi/shepherd/internal/config"
)

// 接続できないDBを指すため、各コマンドはDB接続の段階でエラーを返す。

func TestRun_ServeCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run(serve) should fail when database is unreachable")
	}
	if !strings.Contains(err.Error(), "database") {
		t.Errorf("error should mention database: %v", err)
	}
}

func TestRun_DefaultCommand_IsServe(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	err := Run(&buf, []string{})
	if err == nil {
		t.Fatal("Run([]) should fail when database is unreachable")
	}
	if !strings.Contains(buf.String(), `"command":"serve"`) {
		t.Errorf("default command should be serve, log: %s", buf.String())
	}
}

func TestRun_WorkerCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"worker"}); err == nil {
		t.Fatal("Run(worker) should fail when database is unreachable")
	}
}

func TestRun_MigrateCommand_FailsWithoutDatabase(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	if err := Run(&buf, []string{"migrate"}); err == nil {
		t.Fatal("Run(migrate) should fail when database is unreachable")
	}
}

func TestRun_WithMissingEnv_ReturnsError(t *testing.T) {
	t.Setenv(config.ConfigFileEnv, "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_JWT_SECRET", "")

	var buf bytes.Buffer
	err := Run(&buf, []string{"serve"})
	if err == nil {
		t.Fatal("Run with missing env should return error")
	}
	if !strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestRun_ConfigFlagLoadsFile(t *testing.T) {
	t.Setenv(config.ConfigFileEnv, "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("AUTH_JWT_SECRET", "")
	t.Setenv("LOG_LEVEL", "")

	path := filepath.Join(t.TempDir(), "shepherd.yaml")
	content := "database_url: " + testDatabaseURL + "\nauth_jwt_secret: from-file\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	var buf bytes.Buffer
	err := Run(&buf, []string{"--config", path, "migrate"})
	if err == nil {
		t.Fatal("migrate should fail when database is unreachable")
	}
	// 設定ファイルから必須項目が読めていればDB接続の段階まで進む
	if strings.Contains(err.Error(), "initialization failed") {
		t.Errorf("config file should satisfy required settings: %v", err)
	}
}
