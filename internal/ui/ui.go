// Package ui is the interactive dashboard: launch profiles on the left,
// their details on the right, live instances below.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/control"
	"github.com/treykane/chrome-server/internal/fault"
	"github.com/treykane/chrome-server/internal/history"
	"github.com/treykane/chrome-server/internal/instance"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/util"
)

// Instances is the part of the instance manager the dashboard drives.
type Instances interface {
	Launch(ctx context.Context, id string, opts instance.LaunchOptions) (*instance.Instance, error)
	Kill(ctx context.Context, id string) error
	KillAll(ctx context.Context) error
	List() []model.InstanceRuntime
	AddRoute(id, domain, ip string, port int) error
}

// Policy decides whether a launch may proceed, typically the bind policy.
type Policy func(opts instance.LaunchOptions) error

type tickMsg time.Time

type statusMsg string

type launchedMsg struct {
	profile string
	rt      model.InstanceRuntime
	err     error
}

type killedMsg struct {
	id  string
	err error
}

type routedMsg struct {
	id     string
	domain string
	err    error
}

// focus selects which list j/k moves through.
type focus int

const (
	focusProfiles focus = iota
	focusInstances
)

type dashboardModel struct {
	profiles    []profile.Definition
	filtered    []profile.Definition
	sel         int
	instSel     int
	focus       focus
	filter      string
	filterMode  bool
	routeMode   bool
	routeInput  string
	recentFirst bool
	showHelp    bool
	status      string
	instances   []model.InstanceRuntime
	width       int
	height      int
	cfg         appconfig.Config
	mgr         Instances
	policy      Policy
	form        *launchForm
}

func newDashboard(cfg appconfig.Config, mgr Instances, policy Policy) dashboardModel {
	m := dashboardModel{cfg: cfg, mgr: mgr, policy: policy, recentFirst: true}
	m.reloadProfiles()
	m.status = "Ready. Enter launches the selected profile, n opens a new instance form."
	return m
}

func (m *dashboardModel) reloadProfiles() {
	defs, err := profile.LoadAll()
	if err != nil {
		m.status = "profiles: " + err.Error()
		return
	}
	m.profiles = defs
	m.applyFilter()
	m.refreshInstances()
}

func (m *dashboardModel) refreshInstances() {
	if m.mgr == nil {
		return
	}
	m.instances = m.mgr.List()
	if m.instSel >= len(m.instances) {
		m.instSel = len(m.instances) - 1
	}
	if m.instSel < 0 {
		m.instSel = 0
	}
}

func (m *dashboardModel) applyFilter() {
	src := m.profiles
	if m.recentFirst {
		if lastUsed, err := history.LastUsed(); err == nil {
			src = history.SortProfilesRecent(src, lastUsed)
		}
	}
	if strings.TrimSpace(m.filter) == "" {
		m.filtered = append([]profile.Definition(nil), src...)
	} else {
		f := strings.ToLower(strings.TrimSpace(m.filter))
		m.filtered = nil
		for _, p := range src {
			if strings.Contains(strings.ToLower(p.Name), f) || strings.Contains(strings.ToLower(p.Bind), f) {
				m.filtered = append(m.filtered, p)
			}
		}
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.cfg.UI.RefreshSeconds)
}

func (m dashboardModel) launchCmd(def profile.Definition) tea.Cmd {
	return func() tea.Msg {
		opts, err := def.LaunchOptions()
		if err == nil && m.policy != nil {
			err = m.policy(opts)
		}
		if err != nil {
			return launchedMsg{profile: def.Name, err: err}
		}
		inst, err := m.mgr.Launch(context.Background(), "", opts)
		if err != nil {
			return launchedMsg{profile: def.Name, err: err}
		}
		return launchedMsg{profile: def.Name, rt: inst.Runtime()}
	}
}

func (m dashboardModel) killCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return killedMsg{id: id, err: m.mgr.Kill(context.Background(), id)}
	}
}

func (m dashboardModel) routeCmd(id, domain, target string) tea.Cmd {
	return func() tea.Msg {
		return routedMsg{id: id, domain: domain, err: m.mgr.AddRoute(id, domain, target, 0)}
	}
}

// parseRoute reads "domain ip[:port]".
func parseRoute(input string) (domain, target string, err error) {
	fields := strings.Fields(input)
	if len(fields) != 2 {
		return "", "", fmt.Errorf("expected \"domain ip[:port]\", got %q", input)
	}
	if _, err := control.Add(fields[0], fields[1], 0).Target(); err != nil {
		return "", "", err
	}
	return fields[0], fields[1], nil
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refreshInstances()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil
	case launchedMsg:
		if msg.err != nil {
			m.status = "Launch failed: " + fault.UserMessage(msg.err, m.cfg.Security.RedactErrors)
			slog.Warn("dashboard launch failed", "profile", msg.profile, "error", fault.DebugMessage(msg.err))
			return m, nil
		}
		if msg.profile != "" {
			_ = history.Touch(msg.profile)
			m.applyFilter()
		}
		m.status = fmt.Sprintf("Launched %s (pid=%d, debug port %d)", msg.rt.ID, msg.rt.PID, msg.rt.DebugPort)
		m.refreshInstances()
		return m, nil
	case routedMsg:
		if msg.err != nil {
			m.status = "Route " + msg.domain + ": " + fault.UserMessage(msg.err, m.cfg.Security.RedactErrors)
		} else {
			m.status = "Routed " + msg.domain + " for " + msg.id
		}
		return m, nil
	case killedMsg:
		if msg.err != nil {
			m.status = "Kill " + msg.id + ": " + fault.UserMessage(msg.err, m.cfg.Security.RedactErrors)
		} else {
			m.status = "Killed " + msg.id
		}
		m.refreshInstances()
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			if msg.String() == "esc" {
				m.form = nil
				m.status = "Launch cancelled"
				return m, nil
			}
			res, cmd := m.form.update(msg)
			if res == nil {
				return m, cmd
			}
			m.form = nil
			if res.save {
				if err := profile.Save(res.def); err != nil {
					m.status = "Save profile: " + err.Error()
					return m, nil
				}
				m.reloadProfiles()
			}
			m.status = "Launching..."
			return m, m.launchCmd(res.def)
		}
		if m.routeMode {
			switch msg.String() {
			case "esc":
				m.routeMode, m.routeInput = false, ""
				m.status = "Route cancelled"
				return m, nil
			case "enter":
				input := m.routeInput
				m.routeMode, m.routeInput = false, ""
				if len(m.instances) == 0 {
					return m, nil
				}
				domain, target, err := parseRoute(input)
				if err != nil {
					m.status = "Route: " + err.Error()
					return m, nil
				}
				id := m.instances[m.instSel].ID
				m.status = "Routing " + domain + "..."
				return m, m.routeCmd(id, domain, target)
			case "backspace":
				if len(m.routeInput) > 0 {
					m.routeInput = m.routeInput[:len(m.routeInput)-1]
				}
				return m, nil
			default:
				if len(msg.String()) == 1 {
					m.routeInput += msg.String()
				}
				return m, nil
			}
		}
		if m.filterMode {
			switch msg.String() {
			case "enter", "esc":
				m.filterMode = false
				m.applyFilter()
				return m, nil
			case "backspace":
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
				}
				m.applyFilter()
				return m, nil
			default:
				if len(msg.String()) == 1 {
					m.filter += msg.String()
					m.applyFilter()
				}
				return m, nil
			}
		}
		switch msg.String() {
		case "q", "ctrl+c":
			ctx, cancel := context.WithTimeout(context.Background(), util.KillGrace)
			defer cancel()
			_ = m.mgr.KillAll(ctx)
			return m, tea.Quit
		case "tab":
			if m.focus == focusProfiles {
				m.focus = focusInstances
			} else {
				m.focus = focusProfiles
			}
		case "j", "down":
			if m.focus == focusProfiles && m.sel < len(m.filtered)-1 {
				m.sel++
			}
			if m.focus == focusInstances && m.instSel < len(m.instances)-1 {
				m.instSel++
			}
		case "k", "up":
			if m.focus == focusProfiles && m.sel > 0 {
				m.sel--
			}
			if m.focus == focusInstances && m.instSel > 0 {
				m.instSel--
			}
		case "/":
			m.filterMode = true
			m.status = "Filter mode: type and press Enter"
		case "?":
			m.showHelp = !m.showHelp
		case "s":
			m.recentFirst = !m.recentFirst
			m.applyFilter()
		case "r":
			m.reloadProfiles()
			m.status = "Refreshed profiles and instances"
		case "n":
			m.form = newForm()
		case "enter":
			if m.focus != focusProfiles || len(m.filtered) == 0 {
				break
			}
			def := m.filtered[m.sel]
			m.status = "Launching " + def.Name + "..."
			return m, m.launchCmd(def)
		case "a":
			if m.focus != focusInstances || len(m.instances) == 0 {
				break
			}
			m.routeMode = true
			m.status = "Route for " + m.instances[m.instSel].ID + ": type \"domain ip[:port]\" and press Enter"
		case "x":
			if m.focus != focusInstances || len(m.instances) == 0 {
				break
			}
			id := m.instances[m.instSel].ID
			m.status = "Killing " + id + "..."
			return m, m.killCmd(id)
		}
	}
	return m, nil
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Chrome Server Dashboard")
	subhead := fmt.Sprintf("profiles=%d shown=%d instances=%d refresh=%ds", len(m.profiles), len(m.filtered), len(m.instances), clampRefresh(m.cfg.UI.RefreshSeconds))

	if m.form != nil {
		return lipgloss.JoinVertical(lipgloss.Left, head, subhead, m.form.view(m.renderPanel, m.effectiveWidth()))
	}

	left := strings.Builder{}
	left.WriteString("j/k to navigate; tab switches to instances.\n")
	for i, p := range m.filtered {
		cursor := " "
		if i == m.sel && m.focus == focusProfiles {
			cursor = ">"
		}
		mode := "headed"
		if p.Headless {
			mode = "headless"
		}
		left.WriteString(fmt.Sprintf("%s %-22s %-9s %-16s\n", cursor, p.Name, mode, util.NormalizeAddr(p.Bind, util.LoopbackHost)))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no profiles; press n to launch ad hoc)\n")
	}

	detail := strings.Builder{}
	if len(m.filtered) > 0 {
		p := m.filtered[m.sel]
		port := "auto"
		if p.Port > 0 {
			port = fmt.Sprint(p.Port)
		}
		detail.WriteString(fmt.Sprintf("Name: %s\nBind: %s\nPort: %s\nFlags: %s\nUpstream: %s\nHosts file: %s\n",
			p.Name, util.NormalizeAddr(p.Bind, util.LoopbackHost), port, util.EmptyDash(strings.Join(p.LaunchFlags(), " ")),
			util.EmptyDash(p.Upstream), util.EmptyDash(p.HostsFile)))
		detail.WriteString("Host overrides:\n")
		if len(p.Hosts) == 0 {
			detail.WriteString("  (none)\n")
		}
		for k, v := range p.Hosts {
			detail.WriteString(fmt.Sprintf("  %s -> %s\n", k, v))
		}
		detail.WriteString("\nNext steps:\n")
		detail.WriteString(m.guidanceForProfile(p))
	} else {
		detail.WriteString("Save profiles with `chrome-server profile save` to list them here.\n")
	}

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("  %-38s %-8s %-7s %-10s %-9s %-22s %-8s\n", "ID", "PID", "PORT", "STATE", "CHAIN", "PROXY", "UPTIME"))
	for i, rt := range m.instances {
		cursor := " "
		if i == m.instSel && m.focus == focusInstances {
			cursor = ">"
		}
		tbl.WriteString(fmt.Sprintf("%s %-38s %-8d %-7d %-10s %-9s %-22s %-8s\n", cursor, rt.ID, rt.PID, rt.DebugPort, rt.State, rt.Chain,
			util.EmptyDash(rt.ProxyAddr), (time.Duration(rt.UptimeSec) * time.Second).String()))
	}
	if len(m.instances) == 0 {
		tbl.WriteString("(none)\n")
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	if m.routeMode {
		filterLine = "Route: " + m.routeInput + " (typing...)"
	}

	quickHelp := "Keys: Enter launch | n new | x kill | a route | tab focus | / filter | s sort | r refresh | ? help | q quit"
	main := m.renderMainPanels(left.String(), detail.String())
	instances := m.renderPanel("Instances", tbl.String(), m.effectiveWidth(), lipgloss.Color("63"))
	status := m.renderPanel("Status", m.status, m.effectiveWidth(), lipgloss.Color("205"))
	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), m.effectiveWidth(), lipgloss.Color("244"))
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		main,
		instances,
		help,
		status,
	)
}

// Run shows the dashboard until the user quits. Instances launched from it
// are killed on quit.
func Run(cfg appconfig.Config, mgr Instances, policy Policy) error {
	p := tea.NewProgram(newDashboard(cfg, mgr, policy), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) guidanceForProfile(p profile.Definition) string {
	var lines []string
	lines = append(lines, "  - Press Enter to launch an instance from this profile.")
	if p.Bind != "" && !util.IsLoopback(p.Bind) {
		if m.cfg.Security.BindPolicy == appconfig.BindPolicyLoopbackOnly {
			lines = append(lines, "  - Binds "+p.Bind+" but security.bind_policy is loopback-only; the launch will be refused.")
		} else if !p.Headless {
			lines = append(lines, "  - Headed browser on a public bind: a reverse listener will front the debug port.")
		}
	}
	if len(p.Hosts) > 0 || p.HostsFile != "" || p.Upstream != "" {
		lines = append(lines, "  - A proxy subprocess will carry the browser's traffic.")
	}
	lines = append(lines, fmt.Sprintf("  - CLI equivalent: chrome-server launch --profile %s", p.Name))
	return strings.Join(lines, "\n") + "\n"
}

func (m dashboardModel) renderMainPanels(profilesPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Profiles", profilesPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Profiles", profilesPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection; tab toggles profiles/instances.",
		"  Filtering: press /, type name or bind text, then Enter.",
		"  Sorting: press s to toggle recently used first.",
		"  Launch: Enter on a profile, or n for an ad hoc instance.",
		"  Kill: x on the selected instance.",
		"  Route: a on a chained instance, then \"domain ip[:port]\" sends a live rule to its proxy.",
		"  Quit: press q (or Ctrl+C) and every instance started here is killed.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
