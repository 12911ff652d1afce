// Package cli checks that ACP connector binaries are installed.
package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/zhubert/plural-acp/config"
	pexec "github.com/zhubert/plural-acp/exec"
)

const versionTimeout = 5 * time.Second

// Prerequisite is a connector binary one agent needs.
type Prerequisite struct {
	Agent       string // Agent identity
	Name        string // Binary name (e.g., "claude-code-acp")
	Required    bool   // The default agent's connector is required
	Description string // Agent display name
	InstallHint string
}

// FromAgents returns one prerequisite per agent. The agent named by
// required (identity or short name) is marked required.
func FromAgents(agents []config.AgentConfig, required string) []Prerequisite {
	prereqs := make([]Prerequisite, 0, len(agents))
	for _, a := range agents {
		prereqs = append(prereqs, Prerequisite{
			Agent:       a.Identity,
			Name:        a.Binary(),
			Required:    required != "" && (a.Identity == required || a.ShortName == required),
			Description: a.DisplayName(),
			InstallHint: a.InstallHint(),
		})
	}
	return prereqs
}

// CheckOptions configures how binaries are located and probed.
type CheckOptions struct {
	// PathEnv is searched for binaries. Defaults to $PATH.
	PathEnv string
	// Executor runs the version probe. Defaults to the package default.
	Executor pexec.CommandExecutor
	// SkipVersion disables the version probe.
	SkipVersion bool
}

// CheckResult contains the result of checking a prerequisite
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string // Path to the executable if found
	Version      string // Version string if available
	Error        error
}

// Check verifies that a connector binary is available in PATH
func Check(ctx context.Context, prereq Prerequisite, opts CheckOptions) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	pathEnv := opts.PathEnv
	if pathEnv == "" {
		pathEnv = os.Getenv("PATH")
	}
	path, ok := config.LookPathIn(prereq.Name, pathEnv)
	if !ok {
		if prereq.Name == "" {
			result.Error = fmt.Errorf("%s has no run command for this platform", prereq.Agent)
		} else {
			result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		}
		return result
	}

	result.Found = true
	result.Path = path

	if !opts.SkipVersion {
		executor := opts.Executor
		if executor == nil {
			executor = pexec.GetDefaultExecutor()
		}
		result.Version = getVersion(ctx, executor, path)
	}

	return result
}

// CheckAll verifies all prerequisites and returns results
func CheckAll(ctx context.Context, prereqs []Prerequisite, opts CheckOptions) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(ctx, prereq, opts)
	}
	return results
}

// ValidateRequired checks that all required prerequisites are met
// Returns nil if all required connectors are found, otherwise returns an error
// describing what's missing
func ValidateRequired(ctx context.Context, prereqs []Prerequisite, opts CheckOptions) error {
	var missing []string

	opts.SkipVersion = true
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		result := Check(ctx, prereq, opts)
		if !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    %s",
				prereq.Name, prereq.Description, prereq.InstallHint))
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required connectors:\n%s", strings.Join(missing, "\n"))
	}

	return nil
}

// getVersion attempts to get the version of a connector
func getVersion(ctx context.Context, executor pexec.CommandExecutor, path string) string {
	ctx, cancel := context.WithTimeout(ctx, versionTimeout)
	defer cancel()

	// Connectors disagree on the flag
	for _, flag := range []string{"--version", "-v", "version"} {
		output, err := executor.Output(ctx, "", path, flag)
		if err != nil {
			continue
		}
		version := strings.TrimSpace(strings.SplitN(string(output), "\n", 2)[0])
		if version == "" {
			continue
		}
		// Limit length to avoid overly long version strings
		if len(version) > 100 {
			version = version[:100] + "..."
		}
		return version
	}

	return ""
}

// FormatCheckResults formats check results for display
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder

	sb.WriteString("ACP connectors:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			if r.Prerequisite.Required {
				status = "✗"
			} else {
				status = "○"
			}
		}

		name := r.Prerequisite.Name
		if name == "" {
			name = "(no run command)"
		}
		sb.WriteString(fmt.Sprintf("  %s %-10s %s", status, r.Prerequisite.Agent, name))
		if r.Found && r.Version != "" {
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		} else if !r.Found {
			if r.Prerequisite.Required {
				sb.WriteString(" [REQUIRED]")
			} else {
				sb.WriteString(" [not installed]")
			}
		}
		sb.WriteString("\n")
	}

	return sb.String()
}
