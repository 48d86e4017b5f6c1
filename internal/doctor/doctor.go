// Package doctor runs local diagnostics for chrome-server.
package doctor

import (
	"fmt"
	"os/exec"
	"sort"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/browser"
	"github.com/treykane/chrome-server/internal/hostsfile"
	"github.com/treykane/chrome-server/internal/instance"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/security"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes local diagnostics. A configuration that cannot be loaded is
// reported as an issue rather than an error.
func Run() (Report, error) {
	var issues []Issue

	cfg, err := appconfig.Load()
	if err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "config",
			Target:         "config.yaml",
			Message:        err.Error(),
			Recommendation: "fix or remove the config file and rerun",
		})
		cfg = appconfig.Default()
	}

	issues = append(issues, browserIssues(cfg)...)

	if up, err := cfg.DefaultUpstream(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "default-upstream",
			Target:         "proxy.default_upstream",
			Message:        err.Error(),
			Recommendation: "use [http|socks5]://host:port",
		})
	} else if up != nil && !up.HasPort() {
		issues = append(issues, Issue{
			Severity:       SeverityLow,
			Check:          "default-upstream",
			Target:         "proxy.default_upstream",
			Message:        fmt.Sprintf("%s has no port and only replaces the destination host", up.Host),
			Recommendation: "add a port to tunnel through the upstream",
		})
	}

	if cfg.Proxy.HostsFile != "" {
		issues = append(issues, routingFileIssues(cfg.Proxy.HostsFile, "proxy.hosts_file")...)
	}
	if defs, err := profile.LoadAll(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "profiles",
			Target:         "profiles.yaml",
			Message:        err.Error(),
			Recommendation: "fix the YAML syntax in profiles.yaml",
		})
	} else {
		for _, d := range defs {
			if d.HostsFile != "" {
				issues = append(issues, routingFileIssues(d.HostsFile, "profile "+d.Name)...)
			}
		}
	}

	if path, err := appconfig.RuntimeFilePath(); err == nil {
		if snap, err := instance.ReadSnapshot(path); err == nil {
			for _, rt := range snap {
				if rt.State == model.InstanceKilled {
					issues = append(issues, Issue{
						Severity:       SeverityLow,
						Check:          "runtime-stale",
						Target:         rt.ID,
						Message:        fmt.Sprintf("instance snapshot lists pid %d which is no longer running", rt.PID),
						Recommendation: "the owning process exited without teardown; check for leftover proxy processes",
					})
				}
			}
		}
	}

	if audit, err := security.RunLocalAudit(); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func browserIssues(cfg appconfig.Config) []Issue {
	if cfg.Chrome.Path != "" {
		if _, err := exec.LookPath(cfg.Chrome.Path); err != nil {
			return []Issue{{
				Severity:       SeverityHigh,
				Check:          "browser-binary",
				Target:         cfg.Chrome.Path,
				Message:        err.Error(),
				Recommendation: "point chrome.path or CHROME_PATH at an executable browser",
			}}
		}
		return nil
	}
	if _, err := browser.FindChrome(); err != nil {
		return []Issue{{
			Severity:       SeverityHigh,
			Check:          "browser-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install Chrome or Chromium, or set CHROME_PATH",
		}}
	}
	return nil
}

func routingFileIssues(path, owner string) []Issue {
	res, err := hostsfile.ParseFile(path)
	if err != nil {
		return []Issue{{
			Severity:       SeverityHigh,
			Check:          "routing-file",
			Target:         owner,
			Message:        err.Error(),
			Recommendation: "create the routing file or remove the reference",
		}}
	}
	issues := make([]Issue, 0, len(res.Warnings))
	for _, w := range res.Warnings {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "routing-file-warning",
			Target:         owner,
			Message:        w,
			Recommendation: "fix malformed routing lines; run `routes check` for details",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
