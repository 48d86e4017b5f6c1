// Package security inspects local exposure of chrome-server: listener
// binds, risky browser flags and file permissions.
package security

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/util"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// riskyFlags are browser switches that widen what a remote debugger or a
// visited page can do.
var riskyFlags = map[string]Finding{
	"--remote-debugging-address": {
		Severity:       SeverityHigh,
		Message:        "chrome.flags sets --remote-debugging-address, bypassing the bind policy",
		Recommendation: "remove the flag and use `launch --bind` instead",
	},
	"--ignore-certificate-errors": {
		Severity:       SeverityMedium,
		Message:        "certificate errors are ignored for every launch",
		Recommendation: "pass --ignore-cert-errors per launch only when needed",
	},
	"--disable-web-security": {
		Severity:       SeverityMedium,
		Message:        "same-origin policy is disabled for every launch",
		Recommendation: "remove --disable-web-security from chrome.flags",
	},
}

// RunLocalAudit inspects the loaded configuration and the config directory.
func RunLocalAudit() (AuditReport, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if cfg.Security.BindPolicy == appconfig.BindPolicyAllowPublic {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         "config.yaml",
			Message:        "public debug binds are allowed",
			Recommendation: "set security.bind_policy to loopback-only",
		})
	}
	if !util.IsLoopback(cfg.Proxy.Host) {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "proxy.host",
			Message:        fmt.Sprintf("tunnel proxy listens on %s and can be used as an open proxy", util.EmptyDash(cfg.Proxy.Host)),
			Recommendation: "set proxy.host to 127.0.0.1",
		})
	}
	if addr := cfg.Proxy.MetricsAddr; addr != "" {
		if host, _, err := net.SplitHostPort(addr); err == nil && !util.IsLoopback(host) {
			findings = append(findings, Finding{
				Severity:       SeverityLow,
				Target:         "proxy.metrics_addr",
				Message:        fmt.Sprintf("metrics endpoint %s is reachable beyond loopback", addr),
				Recommendation: "bind metrics to 127.0.0.1",
			})
		}
	}
	for _, flag := range cfg.Chrome.Flags {
		name, _, _ := strings.Cut(flag, "=")
		if f, ok := riskyFlags[name]; ok {
			f.Target = "chrome.flags"
			findings = append(findings, f)
		}
	}

	cfgDir, err := appconfig.ConfigDir()
	if err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false)
		for _, name := range []string{"config.yaml", "instances.json", "profiles.yaml", "events.jsonl"} {
			checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
		}
	}
	if cfg.Proxy.HostsFile != "" {
		checkPathPerm(&findings, cfg.Proxy.HostsFile, 0o644, true)
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
