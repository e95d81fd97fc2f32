package nodesession

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// blockPatterns match argv text that must never reach a node shell:
// destructive operations, privilege escalation, command substitution,
// pipe-to-shell, path traversal, and shell escapes.
var blockPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-[a-zA-Z]*[rf]`),
	regexp.MustCompile(`mkfs|dd\s+if=`),
	regexp.MustCompile(`\bsudo\s`),
	regexp.MustCompile(`\bdoas\s`),
	regexp.MustCompile(`\$\(`),
	regexp.MustCompile("`"),
	regexp.MustCompile(`\|\s*(sh|bash|zsh|dash)\b`),
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`[;&|]{2}|;`),
	regexp.MustCompile(`[<>]`),
	regexp.MustCompile(`chmod\s+[0-7]*7[0-7]*\s|chown\s`),
	regexp.MustCompile(`curl[^|]*\|\s*\S+|wget[^|]*\|\s*\S+`),
}

// defaultAllowedCommands is the built-in allowlist applied when no policy
// file overrides it: developer tools, runtimes, git, read-only
// inspection, and limited networking utilities.
var defaultAllowedCommands = []string{
	"git", "go", "node", "npm", "npx", "python", "python3", "pip", "pip3",
	"cargo", "rustc", "make", "cmake",
	"ls", "cat", "head", "tail", "grep", "find", "wc", "file", "stat", "du", "df",
	"pwd", "whoami", "uname", "date", "env", "which", "echo",
	"curl", "wget", "ping", "dig", "host",
}

// forbiddenEnvVars are environment names a node command may never set.
var forbiddenEnvVars = []string{"PATH", "LD_PRELOAD", "DYLD_INSERT_LIBRARIES"}

// CommandPolicy is the operator-editable allow/block document, loaded
// from YAML. Zero values fall back to the built-in defaults.
type CommandPolicy struct {
	AllowedCommands []string `yaml:"allowedCommands"`
	BlockedPatterns []string `yaml:"blockedPatterns"`
	MaxArgvLength   int      `yaml:"maxArgvLength"`
}

// LoadCommandPolicy reads a YAML policy file. A missing path returns the
// zero policy so the validator runs on defaults.
func LoadCommandPolicy(path string) (CommandPolicy, error) {
	var p CommandPolicy
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return p, fmt.Errorf("nodesession: read policy %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return p, fmt.Errorf("nodesession: parse policy %s: %w", path, err)
	}
	return p, nil
}

// CommandValidator enforces the argv/cwd/env rules of spec.md section 4.8
// before a command is delegated to a node.
type CommandValidator struct {
	maxArgvLength int
	allowed       map[string]bool
	blocked       []*regexp.Regexp
}

// NewCommandValidator builds a validator from policy, falling back to the
// built-in allowlist, block patterns, and a 10000-byte argv cap where the
// policy is silent.
func NewCommandValidator(policy CommandPolicy) (*CommandValidator, error) {
	v := &CommandValidator{
		maxArgvLength: policy.MaxArgvLength,
		allowed:       make(map[string]bool),
	}
	if v.maxArgvLength <= 0 {
		v.maxArgvLength = 10_000
	}

	cmds := policy.AllowedCommands
	if len(cmds) == 0 {
		cmds = defaultAllowedCommands
	}
	for _, c := range cmds {
		v.allowed[c] = true
	}

	v.blocked = blockPatterns
	for _, raw := range policy.BlockedPatterns {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("nodesession: bad blocked pattern %q: %w", raw, err)
		}
		v.blocked = append(v.blocked, re)
	}
	return v, nil
}

// ValidateArguments checks argv length, block patterns over the flattened
// string, and allowlist membership of the base command.
func (v *CommandValidator) ValidateArguments(argv []string) error {
	if len(argv) == 0 {
		return fmt.Errorf("empty command")
	}

	flat := strings.Join(argv, " ")
	if len(flat) > v.maxArgvLength {
		return fmt.Errorf("command exceeds maximum length of %d", v.maxArgvLength)
	}

	for _, re := range v.blocked {
		if re.MatchString(flat) {
			return fmt.Errorf("command contains a blocked pattern")
		}
	}

	base := filepath.Base(strings.TrimSpace(argv[0]))
	if !v.allowed[base] {
		return fmt.Errorf("command %q is not in the allowed list", base)
	}
	return nil
}

// ValidateCwd rejects any cwd containing a parent-directory reference
// and, when allowedBase is set, requires the resolved cwd to sit inside
// it.
func (v *CommandValidator) ValidateCwd(cwd, allowedBase string) error {
	if strings.Contains(cwd, "..") {
		return fmt.Errorf("working directory contains a parent reference")
	}
	if allowedBase == "" {
		return nil
	}
	absCwd, err := filepath.Abs(cwd)
	if err != nil {
		return fmt.Errorf("cannot resolve working directory: %w", err)
	}
	absBase, err := filepath.Abs(allowedBase)
	if err != nil {
		return fmt.Errorf("cannot resolve base directory: %w", err)
	}
	if absCwd != absBase && !strings.HasPrefix(absCwd, absBase+string(filepath.Separator)) {
		return fmt.Errorf("working directory %q is outside %q", cwd, allowedBase)
	}
	return nil
}

// ValidateEnv forbids loader-hijacking variables and values carrying
// traversal or chaining characters.
func (v *CommandValidator) ValidateEnv(env map[string]string) error {
	for name, value := range env {
		upper := strings.ToUpper(name)
		for _, forbidden := range forbiddenEnvVars {
			if upper == forbidden {
				return fmt.Errorf("environment variable %q may not be set", name)
			}
		}
		if strings.Contains(value, "..") || strings.ContainsAny(value, "|;") {
			return fmt.Errorf("environment variable %q has a disallowed value", name)
		}
	}
	return nil
}

// SanitizeArguments strips control characters from each argv element.
func (v *CommandValidator) SanitizeArguments(argv []string) []string {
	out := make([]string, len(argv))
	for i, a := range argv {
		out[i] = strings.Map(func(r rune) rune {
			if r < 0x20 || r == 0x7f {
				return -1
			}
			return r
		}, a)
	}
	return out
}
