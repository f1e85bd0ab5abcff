// Package policy decides whether a user may use the service, by
// evaluating rego policy with OPA.
package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/metrics"
	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

//go:embed access.rego
var defaultPolicy string

const query = "data.kfetch.access.decision"

// Engine evaluates access decisions. It is safe for concurrent use and
// may be reloaded while serving.
type Engine struct {
	logger zerolog.Logger

	mu       sync.RWMutex
	prepared rego.PreparedEvalQuery
	lists    Lists
}

// NewEngine compiles the access policy. When cfg.Dir is set, every *.rego
// file in it replaces the built-in policy.
func NewEngine(cfg config.PolicyConfig, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger: logger.With().Str("component", "policy").Logger(),
	}
	if err := e.Reload(cfg); err != nil {
		return nil, err
	}
	e.logger.Info().Str("policy_dir", cfg.Dir).Msg("Policy engine initialized")
	return e, nil
}

// Reload re-reads the policy modules and replaces the identity lists.
// On error the previous policy stays in effect.
func (e *Engine) Reload(cfg config.PolicyConfig) error {
	modules, err := loadModules(cfg.Dir)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	opts := []func(*rego.Rego){rego.Query(query)}
	for name, m := range modules {
		opts = append(opts, rego.ParsedModule(m))
		e.logger.Debug().Str("module", name).Str("package", m.Package.Path.String()).Msg("Loaded policy module")
	}

	prepared, err := rego.New(opts...).PrepareForEval(context.Background())
	if err != nil {
		return fmt.Errorf("failed to prepare policy query: %w", err)
	}

	e.mu.Lock()
	e.prepared = prepared
	e.lists = Lists{Admins: cfg.AdminIDs, Banned: cfg.BannedIDs, Allowed: cfg.AllowedIDs}
	e.mu.Unlock()
	return nil
}

func loadModules(dir string) (map[string]*ast.Module, error) {
	if dir == "" {
		m, err := ast.ParseModule("access.rego", defaultPolicy)
		if err != nil {
			return nil, err
		}
		return map[string]*ast.Module{"access.rego": m}, nil
	}

	files, err := filepath.Glob(filepath.Join(dir, "*.rego"))
	if err != nil {
		return nil, fmt.Errorf("failed to glob policy files: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no policy files found in %s", dir)
	}

	modules := make(map[string]*ast.Module, len(files))
	for _, file := range files {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file %s: %w", file, err)
		}
		m, err := ast.ParseModule(file, string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse policy file %s: %w", file, err)
		}
		modules[file] = m
	}
	return modules, nil
}

// Authorize evaluates req. An evaluation error is returned as an error and
// the caller decides how to treat it.
func (e *Engine) Authorize(ctx context.Context, req Request) (Decision, error) {
	e.mu.RLock()
	prepared, lists := e.prepared, e.lists
	e.mu.RUnlock()

	start := time.Now()
	results, err := prepared.Eval(ctx, rego.EvalInput(req.input(lists)))
	if err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("policy evaluation failed: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("policy produced no decision")
	}

	raw, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to marshal decision: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		metrics.PolicyDecisions.WithLabelValues("error").Inc()
		return Decision{}, fmt.Errorf("failed to unmarshal decision: %w", err)
	}

	result := "deny"
	if d.Allow {
		result = "allow"
	}
	metrics.PolicyDecisions.WithLabelValues(result).Inc()
	e.logger.Debug().
		Str("user", req.User).
		Str("action", req.Action).
		Bool("allow", d.Allow).
		Str("reason", d.Reason).
		Dur("duration", time.Since(start)).
		Msg("Policy evaluated")
	return d, nil
}
