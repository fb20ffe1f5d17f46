package cmd

import (
	"os"
	"path/filepath"

	"AgentEngine/internal/config"
	"AgentEngine/internal/provider"
	"AgentEngine/pkg/engine/api"
	curator "AgentEngine/pkg/engine/context"
	"AgentEngine/pkg/engine/context/tokenizer"
	"AgentEngine/pkg/engine/memory"
	mw "AgentEngine/pkg/engine/middleware"
	"AgentEngine/pkg/engine/pipeline"
	"AgentEngine/pkg/engine/policy"
	"AgentEngine/pkg/engine/runtime"
	"AgentEngine/pkg/engine/skill"
	"AgentEngine/pkg/engine/store"
	"AgentEngine/pkg/engine/systool"
	"AgentEngine/pkg/engine/tools"
)

func resolveWorkspaceRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	if realWD, err := filepath.EvalSymlinks(wd); err == nil {
		wd = realWD
	}
	// Use workspace/ subdirectory as the working directory for file operations
	workspaceDir := filepath.Join(wd, "workspace")
	// Create if it doesn't exist
	if err := os.MkdirAll(workspaceDir, 0755); err != nil {
		return "", err
	}
	return workspaceDir, nil
}

func defaultSkillRoots(workspaceRoot string) []string {
	var roots []string

	// workspaceRoot points to workspace/ subdirectory, go up one level for project root
	projectRoot := filepath.Dir(workspaceRoot)

	// Project skills (<project>/.sea/skills). Highest priority.
	roots = append(roots, filepath.Join(projectRoot, ".sea", "skills"))

	// Legacy project skills path (<project>/workspace/.sea/skills).
	roots = append(roots, filepath.Join(workspaceRoot, ".sea", "skills"))

	// Global skills (~/.sea/<agent>/skills).
	if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".sea", agentFlag, "skills"))
	}

	// Built-in skills shipped with the repo.
	roots = append(roots, filepath.Join(projectRoot, "skills"))

	// Codex skills (optional).
	if codexHome := os.Getenv("CODEX_HOME"); codexHome != "" {
		roots = append(roots, filepath.Join(codexHome, "skills"))
	} else if home, err := os.UserHomeDir(); err == nil {
		roots = append(roots, filepath.Join(home, ".codex", "skills"))
	}

	return roots
}

func newAPIEngine(workspaceRoot string) (api.Engine, error) {
	sessionStore, err := store.NewFileSessionStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	planStore, err := store.NewFilePlanStore(workspaceRoot)
	if err != nil {
		return nil, err
	}
	eventLog, err := store.NewJSONLEventLog(workspaceRoot)
	if err != nil {
		return nil, err
	}

	skillIndex, err := skill.NewDirSkillIndex(defaultSkillRoots(workspaceRoot)...)
	if err != nil {
		return nil, err
	}

	mem := memory.NewStructuredManager(workspaceRoot)

	var reg *tools.Registry
	if enableToolsFlag {
		reg = tools.DefaultRegistry(workspaceRoot, skillIndex)
	} else {
		reg = tools.NewRegistry()
	}
	reg.MustRegister(&systool.ListSkillsTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ActivateSkillTool{SkillIndex: skillIndex})
	reg.MustRegister(&systool.ReadTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.WriteTodosTool{PlanStore: planStore})
	reg.MustRegister(&systool.ReadMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UpdateMemoryTool{Manager: mem})
	reg.MustRegister(&systool.UnderstandIntentTool{})

	cfg := appConfig
	if cfg == nil {
		// Callers that build an engine without going through cmd.Execute
		// (e.g. tests) still get layered defaults.
		loaded, err := config.Load(nil)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	llm, err := provider.Resolve(cfg, modelFlag)
	if err != nil {
		return nil, err
	}

	autoCompressThreshold := cfg.Compaction.AutoThreshold
	compressKeepTurns := cfg.Compaction.KeepTurns
	filterHistoryTools := cfg.Agent.FilterHistoryTools

	counter := tokenizer.NewTiktokenCounter(cfg.LLM.Model, 0)
	toolPipeline := pipeline.New(counter,
		pipeline.WithTimeout(pipeline.CategoryShellExec, cfg.Pipeline.ShellExecTimeout),
		pipeline.WithTimeout(pipeline.CategoryReadOnly, cfg.Pipeline.ReadOnlyTimeout),
		pipeline.WithTimeout(pipeline.CategorySkill, cfg.Pipeline.SkillTimeout),
		pipeline.WithTimeout(pipeline.CategoryPTY, cfg.Pipeline.PTYTimeout),
		pipeline.WithTimeout(pipeline.CategoryDefault, cfg.Pipeline.DefaultTimeout),
	)

	engine, err := runtime.NewEngine(runtime.EngineConfig{
		LLM:                   llm,
		Tools:                 reg,
		Policy:                policy.NewDefaultPolicy(),
		Middlewares:           []runtime.Middleware{mw.NewPersonaMiddleware(workspaceRoot, filepath.Dir(workspaceRoot), agentFlag), mw.NewBasePromptMiddleware(workspaceRoot), mw.NewSkillsMiddleware(skillIndex), mw.NewMemoryMiddleware(mem), mw.NewPlanningMiddleware(planStore)},
		WorkspaceRoot:         workspaceRoot,
		SkillIndex:            skillIndex,
		SessionStore:          sessionStore,
		PlanStore:             planStore,
		EventLog:              eventLog,
		AutoCompressThreshold: autoCompressThreshold,
		CompressKeepTurns:     compressKeepTurns,
		FilterHistoryTools:    filterHistoryTools,
		Curator:               curator.NewCurator(counter, 0),
		Pipeline:              toolPipeline,
	})
	if err != nil {
		return nil, err
	}
	return engine, nil
}
