// Package profile declares capability profiles: static policy over
// which tools a session exposes, and the factory that materializes a
// policy into a tool registry bound to a working directory.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ShellAccess selects the shell tool variant.
type ShellAccess string

const (
	// ShellRestricted permits read-only inspection pipelines only.
	ShellRestricted ShellAccess = "restricted"
	// ShellUnrestricted permits arbitrary commands.
	ShellUnrestricted ShellAccess = "unrestricted"
)

// FileWriteAccess gates the write_file and edit_file tools.
type FileWriteAccess string

const (
	// FileWriteOff registers no mutating file tools.
	FileWriteOff FileWriteAccess = "off"
	// FileWriteCreateOnly registers write_file refusing overwrites.
	FileWriteCreateOnly FileWriteAccess = "create_only"
	// FileWriteFull registers write_file and edit_file.
	FileWriteFull FileWriteAccess = "full"
)

// DatabaseAccess gates the db_query tool.
type DatabaseAccess string

const (
	// DatabaseOff registers no database tool.
	DatabaseOff DatabaseAccess = "off"
	// DatabaseReadOnly permits non-mutating statements only.
	DatabaseReadOnly DatabaseAccess = "readonly"
	// DatabaseFull permits any statement.
	DatabaseFull DatabaseAccess = "full"
)

// ApprovalMode decides which dispatches are gated behind the approval
// callback.
type ApprovalMode string

const (
	// ApprovalNone never gates.
	ApprovalNone ApprovalMode = "none"
	// ApprovalDangerous gates tools whose static flag marks them
	// dangerous (write/edit, unrestricted shell, delegate).
	ApprovalDangerous ApprovalMode = "dangerous"
	// ApprovalAll gates every dispatch.
	ApprovalAll ApprovalMode = "all"
)

// CapabilityProfile is a static tool policy. Profiles are value types:
// copy freely, never mutate a shared one.
type CapabilityProfile struct {
	Name      string          `yaml:"name,omitempty"`
	Shell     ShellAccess     `yaml:"shell"`
	FileWrite FileWriteAccess `yaml:"file_write"`
	Database  DatabaseAccess  `yaml:"database"`
	Approval  ApprovalMode    `yaml:"approval"`

	// BashOnly registers the shell tool and nothing else.
	BashOnly bool `yaml:"bash_only,omitempty"`

	// EnableDelegate exposes the delegate_task sub-agent tool. Child
	// profiles always have this cleared to keep delegation one level
	// deep.
	EnableDelegate bool `yaml:"enable_delegate,omitempty"`

	// ToolTimeout bounds each dispatch; zero means tool defaults.
	ToolTimeout time.Duration `yaml:"tool_timeout,omitempty"`

	// ApprovalOverrides force the approval requirement for a tool name
	// regardless of mode. true always gates, false never gates.
	ApprovalOverrides map[string]bool `yaml:"approval_overrides,omitempty"`

	// SandboxDir, when set, replaces the session working directory for
	// shell and file tools (remote-sandbox profiles).
	SandboxDir string `yaml:"sandbox_dir,omitempty"`
}

// Validate rejects unknown enum values. Zero values map to the most
// restrictive setting, so an empty profile is valid and safe.
func (p CapabilityProfile) Validate() error {
	switch p.Shell {
	case "", ShellRestricted, ShellUnrestricted:
	default:
		return fmt.Errorf("profile %q: unknown shell access %q", p.Name, p.Shell)
	}
	switch p.FileWrite {
	case "", FileWriteOff, FileWriteCreateOnly, FileWriteFull:
	default:
		return fmt.Errorf("profile %q: unknown file_write access %q", p.Name, p.FileWrite)
	}
	switch p.Database {
	case "", DatabaseOff, DatabaseReadOnly, DatabaseFull:
	default:
		return fmt.Errorf("profile %q: unknown database access %q", p.Name, p.Database)
	}
	switch p.Approval {
	case "", ApprovalNone, ApprovalDangerous, ApprovalAll:
	default:
		return fmt.Errorf("profile %q: unknown approval mode %q", p.Name, p.Approval)
	}
	if p.ToolTimeout < 0 {
		return fmt.Errorf("profile %q: negative tool_timeout", p.Name)
	}
	return nil
}

// RequiresToolApproval resolves the approval rule for a tool: an
// override wins outright; otherwise mode all gates everything, mode
// dangerous gates tools whose static flag is set, and mode none gates
// nothing.
func (p CapabilityProfile) RequiresToolApproval(name string, dangerous bool) bool {
	if v, ok := p.ApprovalOverrides[name]; ok {
		return v
	}
	switch p.Approval {
	case ApprovalAll:
		return true
	case ApprovalDangerous:
		return dangerous
	default:
		return false
	}
}

// WithoutDelegate returns a copy with delegation disabled; used when
// spawning child sessions.
func (p CapabilityProfile) WithoutDelegate() CapabilityProfile {
	p.EnableDelegate = false
	return p
}

// Built-in profiles.

// Readonly inspects but never mutates: restricted shell, no file
// writes, no database. Nothing is dangerous, so nothing is gated.
func Readonly() CapabilityProfile {
	return CapabilityProfile{
		Name:      "readonly",
		Shell:     ShellRestricted,
		FileWrite: FileWriteOff,
		Database:  DatabaseOff,
		Approval:  ApprovalNone,
	}
}

// Developer is the interactive default: full shell and file access
// with dangerous dispatches gated behind the approval callback.
func Developer() CapabilityProfile {
	return CapabilityProfile{
		Name:           "developer",
		Shell:          ShellUnrestricted,
		FileWrite:      FileWriteFull,
		Database:       DatabaseReadOnly,
		Approval:       ApprovalDangerous,
		EnableDelegate: true,
	}
}

// Eval runs benchmarks unattended: everything enabled, nothing gated.
func Eval() CapabilityProfile {
	return CapabilityProfile{
		Name:           "eval",
		Shell:          ShellUnrestricted,
		FileWrite:      FileWriteFull,
		Database:       DatabaseFull,
		Approval:       ApprovalNone,
		EnableDelegate: true,
	}
}

// Daytona targets a disposable remote sandbox: unrestricted shell in
// the sandbox directory, no approvals since the blast radius is the
// sandbox itself.
func Daytona() CapabilityProfile {
	return CapabilityProfile{
		Name:       "daytona",
		Shell:      ShellUnrestricted,
		FileWrite:  FileWriteFull,
		Database:   DatabaseOff,
		Approval:   ApprovalNone,
		SandboxDir: "/workspace",
	}
}

// ByName resolves a built-in profile. The empty name maps to developer.
func ByName(name string) (CapabilityProfile, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "readonly":
		return Readonly(), nil
	case "developer", "":
		return Developer(), nil
	case "eval":
		return Eval(), nil
	case "daytona":
		return Daytona(), nil
	}
	return CapabilityProfile{}, fmt.Errorf("profile: unknown built-in %q", name)
}

// Load reads a profile from a YAML file and validates it.
func Load(path string) (CapabilityProfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return CapabilityProfile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}
	var p CapabilityProfile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return CapabilityProfile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), Ext)
	}
	if err := p.Validate(); err != nil {
		return CapabilityProfile{}, err
	}
	return p, nil
}

// Resolve returns a profile for a CLI argument: a built-in name, a
// path to a YAML file (detected by extension or separator), or a name
// under the profile config directory.
func Resolve(nameOrPath string) (CapabilityProfile, error) {
	if strings.ContainsRune(nameOrPath, os.PathSeparator) || strings.HasSuffix(nameOrPath, Ext) {
		return Load(nameOrPath)
	}
	if p, err := ByName(nameOrPath); err == nil {
		return p, nil
	}
	path := Path(nameOrPath)
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	return CapabilityProfile{}, fmt.Errorf("profile: %q is neither a built-in nor a file under %s", nameOrPath, Dir())
}

// Ext is the profile file extension.
const Ext = ".yaml"

// Dir returns the directory holding named profile files.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		home = "."
	}
	return filepath.Join(home, ".config", "rho-agent", "profiles")
}

// Path returns the config path for a named profile.
func Path(name string) string {
	return filepath.Join(Dir(), strings.TrimSpace(name)+Ext)
}

// List returns the named profiles available on disk, sorted.
func List() ([]string, error) {
	entries, err := os.ReadDir(Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), Ext) {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), Ext))
	}
	sort.Strings(names)
	return names, nil
}
