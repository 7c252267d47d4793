package dashboard_test

import (
	"os"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestDockerfileExists(t *testing.T) {
	_, err := os.Stat("Dockerfile")
	if err != nil {
		t.Fatalf("Dockerfile should exist: %v", err)
	}
}

func TestDockerfileMultiStageBuild(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	content := string(data)

	// マルチステージビルドの確認: ビルドステージと実行ステージが存在すること
	if !strings.Contains(content, "FROM golang:") {
		t.Error("Dockerfile should contain a Go builder stage (FROM golang:)")
	}

	// 最終ステージは軽量イメージであること
	var lastFrom string
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "FROM ") {
			lastFrom = trimmed
		}
	}
	if !strings.Contains(lastFrom, "gcr.io/distroless") && !strings.Contains(lastFrom, "alpine") && !strings.Contains(lastFrom, "scratch") {
		t.Errorf("final stage should use a minimal base image (distroless/alpine/scratch), got: %s", lastFrom)
	}
}

func TestDockerfileBuildsEntrypoint(t *testing.T) {
	data, err := os.ReadFile("Dockerfile")
	if err != nil {
		t.Fatalf("failed to read Dockerfile: %v", err)
	}
	content := string(data)

	if !strings.Contains(content, "./cmd/dashboard") {
		t.Error("Dockerfile should build ./cmd/dashboard")
	}
	if !strings.Contains(content, "ENTRYPOINT") {
		t.Error("Dockerfile should contain ENTRYPOINT")
	}
	// distrolessにはシェルがないため、ヘルスチェックはサブコマンドで行う
	if !strings.Contains(content, `"healthcheck"`) {
		t.Error("Dockerfile HEALTHCHECK should use the healthcheck subcommand")
	}
}

// composeFile はdocker-compose.ymlのうちテストで確認する部分。
type composeFile struct {
	Services map[string]struct {
		Image    string   `yaml:"image"`
		Command  []string `yaml:"command"`
		Networks []string `yaml:"networks"`
	} `yaml:"services"`
	Networks map[string]*struct {
		Internal bool `yaml:"internal"`
	} `yaml:"networks"`
}

func readCompose(t *testing.T) composeFile {
	t.Helper()
	data, err := os.ReadFile("docker-compose.yml")
	if err != nil {
		t.Fatalf("failed to read docker-compose.yml: %v", err)
	}
	var c composeFile
	if err := yaml.Unmarshal(data, &c); err != nil {
		t.Fatalf("failed to parse docker-compose.yml: %v", err)
	}
	return c
}

func TestDockerComposeServices(t *testing.T) {
	c := readCompose(t)

	// api, worker, migrate, db の構成
	for _, name := range []string{"api", "worker", "migrate", "db"} {
		if _, ok := c.Services[name]; !ok {
			t.Errorf("docker-compose.yml should contain service %q", name)
		}
	}
	if !strings.HasPrefix(c.Services["db"].Image, "postgres:") {
		t.Errorf("db image = %q, want postgres", c.Services["db"].Image)
	}
}

func TestDockerComposeCommands(t *testing.T) {
	c := readCompose(t)

	tests := map[string]string{
		"api":     "serve",
		"worker":  "worker",
		"migrate": "migrate",
	}
	for svc, want := range tests {
		cmd := c.Services[svc].Command
		if len(cmd) == 0 || cmd[0] != want {
			t.Errorf("%s command = %v, want %s subcommand", svc, cmd, want)
		}
	}
}

func TestDockerComposeNetworks(t *testing.T) {
	c := readCompose(t)

	internal, ok := c.Networks["internal"]
	if !ok || internal == nil || !internal.Internal {
		t.Fatal("docker-compose.yml should define an internal network (internal: true)")
	}

	// バックエンドへの外部通信が必要なのはAPIサーバーのみ
	hasExternal := func(svc string) bool {
		for _, n := range c.Services[svc].Networks {
			if n == "external" {
				return true
			}
		}
		return false
	}
	if !hasExternal("api") {
		t.Error("api should join the external network")
	}
	for _, svc := range []string{"worker", "db", "migrate"} {
		if hasExternal(svc) {
			t.Errorf("%s must not join the external network", svc)
		}
	}
}
