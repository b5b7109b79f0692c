package commands

import (
	"context"
	"path/filepath"

	"github.com/opencode-ai/sessionhost/internal/config"
	"github.com/opencode-ai/sessionhost/internal/converter"
	converterclaudesdk "github.com/opencode-ai/sessionhost/internal/converter/claudesdk"
	converteropencode "github.com/opencode-ai/sessionhost/internal/converter/opencode"
	"github.com/opencode-ai/sessionhost/internal/ee"
	"github.com/opencode-ai/sessionhost/internal/host"
	"github.com/opencode-ai/sessionhost/internal/hosterr"
	"github.com/opencode-ai/sessionhost/internal/persistence"
	runnerclaudesdk "github.com/opencode-ai/sessionhost/internal/runner/claudesdk"
	runneropencode "github.com/opencode-ai/sessionhost/internal/runner/opencode"
	"github.com/opencode-ai/sessionhost/pkg/types"
)

// newHost wires a Host with both architectures this module knows how to
// drive. The claude-sdk architecture is fully real (it shells out to the
// `claude` CLI). The opencode architecture's Engine has no in-module
// production implementation — this binary does not vendor or fabricate
// an sst/opencode-sdk-go client, so it registers a stub NewEngine that
// fails fast with EEUnavailable until a real one is supplied by an
// embedder (see DESIGN.md, cmd/sessionhostctl section).
func newHost(cfg *config.Configuration, dataDir string) *host.Host {
	adapter := persistence.NewFilesystemAdapter(dataDir, nil)
	workspaceRoot := filepath.Join(dataDir, "workspaces")

	return host.New(host.Deps{
		Persistence:   adapter,
		Config:        cfg,
		WorkspaceRoot: workspaceRoot,
		Architectures: map[types.Architecture]host.Wiring{
			types.ArchitectureClaudeSDK: {
				NewDriver: func(workspaceDir string) ee.Driver {
					return runnerclaudesdk.Driver{WorkspaceDir: workspaceDir}
				},
				NewConverter: func() converter.Converter {
					return converterclaudesdk.New(cfg.SubagentPromptCacheSize)
				},
			},
			types.ArchitectureOpenCode: {
				NewDriver: func(workspaceDir string) ee.Driver {
					return runneropencode.Driver{
						WorkspaceDir: workspaceDir,
						NewEngine:    unavailableOpenCodeEngine,
					}
				},
				NewConverter: func() converter.Converter {
					return converteropencode.New()
				},
			},
		},
	})
}

// unavailableOpenCodeEngine is the stub referenced above: no real
// sst/opencode-sdk-go-backed Engine ships with this module.
func unavailableOpenCodeEngine(context.Context, string) (runneropencode.Engine, error) {
	return nil, hosterr.New(hosterr.EEUnavailable, "opencode engine not configured in this build")
}
