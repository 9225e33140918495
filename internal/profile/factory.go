package profile

import (
	"database/sql"
	"fmt"

	"github.com/rho-agent/rho/internal/tools"
	"github.com/rho-agent/rho/internal/tools/database"
	"github.com/rho-agent/rho/internal/tools/files"
	"github.com/rho-agent/rho/internal/tools/shell"
)

// FactoryDeps carries the runtime handles a profile cannot declare
// statically: database pools and the session-aware delegate tool.
type FactoryDeps struct {
	// DB enables the db_query tool when the profile allows database
	// access.
	DB *sql.DB

	// Delegate is the sub-agent tool built by the session owner; the
	// factory registers it when the profile enables delegation. Its
	// child sessions must run on a profile with delegation cleared.
	Delegate tools.Tool

	// ShellEnv appends environment variables to shell invocations.
	ShellEnv []string
}

// BuildRegistry materializes a profile into a registry bound to
// workdir. The profile's SandboxDir, when set, overrides workdir.
func BuildRegistry(p CapabilityProfile, workdir string, deps FactoryDeps) (*tools.Registry, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if p.SandboxDir != "" {
		workdir = p.SandboxDir
	}

	reg := tools.NewRegistry()
	register := func(t tools.Tool) error {
		if err := reg.Register(t); err != nil {
			return fmt.Errorf("profile %q: %w", p.Name, err)
		}
		return nil
	}

	var shellOpts []shell.Option
	if p.ToolTimeout > 0 {
		shellOpts = append(shellOpts, shell.WithTimeout(p.ToolTimeout))
	}
	if len(deps.ShellEnv) > 0 {
		shellOpts = append(shellOpts, shell.WithEnv(deps.ShellEnv))
	}
	shellMode := shell.ModeRestricted
	if p.Shell == ShellUnrestricted {
		shellMode = shell.ModeUnrestricted
	}
	if err := register(shell.New(shellMode, workdir, shellOpts...)); err != nil {
		return nil, err
	}

	if p.BashOnly {
		return reg, nil
	}

	if err := register(files.NewReadTool(workdir)); err != nil {
		return nil, err
	}
	switch p.FileWrite {
	case FileWriteCreateOnly:
		if err := register(files.NewWriteTool(workdir, files.WriteCreateOnly)); err != nil {
			return nil, err
		}
	case FileWriteFull:
		if err := register(files.NewWriteTool(workdir, files.WriteFull)); err != nil {
			return nil, err
		}
		if err := register(files.NewEditTool(workdir)); err != nil {
			return nil, err
		}
	}

	if deps.DB != nil && p.Database != DatabaseOff && p.Database != "" {
		dbMode := database.ModeReadOnly
		if p.Database == DatabaseFull {
			dbMode = database.ModeFull
		}
		if err := register(database.New(deps.DB, dbMode)); err != nil {
			return nil, err
		}
	}

	if p.EnableDelegate && deps.Delegate != nil {
		if err := register(deps.Delegate); err != nil {
			return nil, err
		}
	}

	return reg, nil
}
