package nodesession

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func defaultValidator(t *testing.T) *CommandValidator {
	t.Helper()
	v, err := NewCommandValidator(CommandPolicy{})
	if err != nil {
		t.Fatalf("NewCommandValidator: %v", err)
	}
	return v
}

func TestValidateArgumentsBlocklist(t *testing.T) {
	v := defaultValidator(t)

	blocked := [][]string{
		{"rm", "-rf", "/"},
		{"git", "rm", "-rf", "src"},
		{"sudo", "apt", "install", "x"},
		{"cat", "file", "|", "sh"},
		{"echo", "`whoami`"},
		{"echo", "$(whoami)"},
		{"cat", "../../etc/passwd"},
		{"ls", ";", "rm", "x"},
		{"cat", "a", ">", "b"},
	}
	for _, argv := range blocked {
		if err := v.ValidateArguments(argv); err == nil {
			t.Errorf("argv %q should be rejected", strings.Join(argv, " "))
		}
	}
}

func TestValidateArgumentsAllowlist(t *testing.T) {
	v := defaultValidator(t)

	allowed := [][]string{
		{"git", "status"},
		{"go", "version"},
		{"ls", "-la", "/tmp"},
		{"/usr/bin/git", "log"},
		{"curl", "https://example.com"},
	}
	for _, argv := range allowed {
		if err := v.ValidateArguments(argv); err != nil {
			t.Errorf("argv %q should be allowed, got %v", strings.Join(argv, " "), err)
		}
	}

	if err := v.ValidateArguments([]string{"nmap", "-p-", "10.0.0.1"}); err == nil {
		t.Error("command outside the allowlist should be rejected")
	}
	if err := v.ValidateArguments(nil); err == nil {
		t.Error("empty argv should be rejected")
	}
}

func TestValidateArgumentsLengthCap(t *testing.T) {
	v, err := NewCommandValidator(CommandPolicy{MaxArgvLength: 32})
	if err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateArguments([]string{"echo", strings.Repeat("a", 64)}); err == nil {
		t.Fatal("argv past the length cap should be rejected")
	}
	if err := v.ValidateArguments([]string{"echo", "hi"}); err != nil {
		t.Fatalf("short argv should pass: %v", err)
	}
}

func TestValidateCwd(t *testing.T) {
	v := defaultValidator(t)

	if err := v.ValidateCwd("work/../../etc", ""); err == nil {
		t.Fatal("cwd with a parent reference should be rejected")
	}
	if err := v.ValidateCwd("/srv/work/project", "/srv/work"); err != nil {
		t.Fatalf("contained cwd should pass: %v", err)
	}
	if err := v.ValidateCwd("/srv/work", "/srv/work"); err != nil {
		t.Fatalf("cwd equal to base should pass: %v", err)
	}
	if err := v.ValidateCwd("/etc", "/srv/work"); err == nil {
		t.Fatal("cwd outside base should be rejected")
	}
	if err := v.ValidateCwd("/srv/workother", "/srv/work"); err == nil {
		t.Fatal("sibling with a shared prefix is not contained")
	}
}

func TestValidateEnv(t *testing.T) {
	v := defaultValidator(t)

	cases := []struct {
		env  map[string]string
		want bool // want an error
	}{
		{map[string]string{"FOO": "bar"}, false},
		{map[string]string{"PATH": "/tmp/bin"}, true},
		{map[string]string{"path": "/tmp/bin"}, true},
		{map[string]string{"LD_PRELOAD": "evil.so"}, true},
		{map[string]string{"DYLD_INSERT_LIBRARIES": "evil.dylib"}, true},
		{map[string]string{"FOO": "../up"}, true},
		{map[string]string{"FOO": "a|b"}, true},
		{map[string]string{"FOO": "a;b"}, true},
	}
	for _, c := range cases {
		err := v.ValidateEnv(c.env)
		if (err != nil) != c.want {
			t.Errorf("ValidateEnv(%v) error=%v, want error=%v", c.env, err, c.want)
		}
	}
}

func TestSanitizeArguments(t *testing.T) {
	v := defaultValidator(t)
	got := v.SanitizeArguments([]string{"he\x00llo", "wo\x1brld", "ok\x7f"})
	want := []string{"hello", "world", "ok"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sanitized[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestLoadCommandPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := "allowedCommands:\n  - git\nmaxArgvLength: 100\n"
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := LoadCommandPolicy(path)
	if err != nil {
		t.Fatalf("LoadCommandPolicy: %v", err)
	}
	if len(p.AllowedCommands) != 1 || p.AllowedCommands[0] != "git" {
		t.Fatalf("allowedCommands = %v", p.AllowedCommands)
	}
	if p.MaxArgvLength != 100 {
		t.Fatalf("maxArgvLength = %d", p.MaxArgvLength)
	}

	v, err := NewCommandValidator(p)
	if err != nil {
		t.Fatal(err)
	}
	if err := v.ValidateArguments([]string{"ls"}); err == nil {
		t.Fatal("policy narrowing the allowlist to git should reject ls")
	}

	if _, err := LoadCommandPolicy(filepath.Join(dir, "missing.yaml")); err != nil {
		t.Fatalf("missing policy file should fall back to defaults, got %v", err)
	}
}
