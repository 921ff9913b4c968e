package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func writeCLIConfig(t *testing.T, secret string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "scenarios")
	body := fmt.Sprintf(`
[store]
dsn = %q

[scenarios]
root = %q

[auth]
jwt_secret = %q
bcrypt_cost = 4

[log]
level = "error"
`, filepath.Join(dir, "cli.db"), root, secret)
	path := filepath.Join(dir, "playground.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path, root
}

func writeScript(t *testing.T, root, name, script string) {
	t.Helper()
	dir := filepath.Join(root, "scripting", name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "script.sh"), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	root := buildRoot(&out, &errOut)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), err
}

func TestHelpMentionsPlayground(t *testing.T) {
	out, _, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("help should succeed: %v", err)
	}
	if !strings.Contains(out, "playground serve") {
		t.Fatalf("unexpected help output: %s", out)
	}
}

func TestUserAddAndToken(t *testing.T) {
	cfg, _ := writeCLIConfig(t, "cli-secret")
	out, _, err := execute(t, "--config", cfg, "user", "add", "--username", "alice", "--password", "pw")
	if err != nil {
		t.Fatalf("user add: %v", err)
	}
	var u struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal([]byte(out), &u); err != nil || u.Username != "alice" || u.ID == "" {
		t.Fatalf("unexpected user output %q: %v", out, err)
	}

	out, _, err = execute(t, "--config", cfg, "token", "--username", "alice")
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	var tok struct {
		Type  string `json:"type"`
		Token string `json:"token"`
	}
	if err := json.Unmarshal([]byte(out), &tok); err != nil || tok.Token == "" || tok.Type != "Bearer" {
		t.Fatalf("unexpected token output %q: %v", out, err)
	}

	if _, _, err := execute(t, "--config", cfg, "token", "--username", "nobody"); err == nil {
		t.Fatalf("expected error for unknown user")
	}
	if _, _, err := execute(t, "--config", cfg, "user", "add", "--username", "alice", "--password", "again"); err == nil {
		t.Fatalf("expected duplicate user error")
	}
}

func TestTokenRequiresSecret(t *testing.T) {
	cfg, _ := writeCLIConfig(t, "")
	_, _, err := execute(t, "--config", cfg, "token", "--user", "x")
	if err == nil || !strings.Contains(err.Error(), "jwt_secret") {
		t.Fatalf("expected jwt_secret error, got %v", err)
	}
}

func TestScenariosList(t *testing.T) {
	cfg, root := writeCLIConfig(t, "s")
	writeScript(t, root, "hello", "echo hi\n")
	out, _, err := execute(t, "--config", cfg, "scenarios", "list", "--type", "scripting")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, `"name": "hello"`) {
		t.Fatalf("hello not listed: %s", out)
	}
	if _, _, err := execute(t, "--config", cfg, "scenarios", "list", "--type", "cobol"); err == nil {
		t.Fatalf("expected unsupported category error")
	}
}

func TestRunPrintsOutputAndExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("scenario scripts need bash")
	}
	cfg, root := writeCLIConfig(t, "s")
	writeScript(t, root, "hello", "echo out\necho err >&2\n")
	writeScript(t, root, "broken", "echo partial\nexit 3\n")

	out, errOut, err := execute(t, "--config", cfg, "run", "--type", "scripting", "--scenario", "hello")
	if err != nil {
		t.Fatalf("run hello: %v", err)
	}
	if out != "out\n" || errOut != "err\n" {
		t.Fatalf("unexpected output stdout=%q stderr=%q", out, errOut)
	}

	out, _, err = execute(t, "--config", cfg, "run", "--type", "scripting", "--scenario", "broken")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if exitCode(err) != 3 {
		t.Fatalf("exit code = %d, want 3 (%v)", exitCode(err), err)
	}
	if out != "partial\n" {
		t.Fatalf("unexpected output %q", out)
	}

	_, _, err = execute(t, "--config", cfg, "run", "--type", "scripting", "--scenario", "missing")
	if err == nil || exitCode(err) != 1 || !strings.Contains(err.Error(), "Scenario not found") {
		t.Fatalf("expected scenario not found, got %v", err)
	}
}

func TestExitCodeDefault(t *testing.T) {
	if exitCode(errors.New("boom")) != 1 {
		t.Fatalf("plain errors exit with 1")
	}
	if exitCode(fmt.Errorf("wrapped: %w", &exitError{code: 7})) != 7 {
		t.Fatalf("wrapped exit status lost")
	}
}
