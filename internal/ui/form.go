package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/chrome-server/internal/profile"
	"github.com/treykane/chrome-server/internal/util"
)

// formMode distinguishes between the mode-select, quick-launch, and full-config screens.
type formMode int

const (
	formModeSelect formMode = iota
	formModeQuick
	formModeFull
)

// Field indices for the full configurator form.
const (
	fieldName = iota
	fieldBind
	fieldPort
	fieldFlags
	fieldHosts
	fieldUpstream
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	def  profile.Definition
	save bool // true = store def in profiles.yaml before launching
}

// launchForm holds all state for the "new instance" configurator.
type launchForm struct {
	mode    formMode
	modeSel int // 0 = quick, 1 = full (for mode selection screen)

	// Quick launch
	quickInput textinput.Model

	// Full configurator
	fields   []textinput.Model
	focusIdx int

	headless    bool
	saveProfile bool

	// Validation error
	errMsg string
}

// newForm creates an initialized form starting at mode selection.
func newForm() *launchForm {
	f := &launchForm{
		mode: formModeSelect,
	}

	qi := textinput.New()
	qi.Placeholder = "[headless] [bind][:port], blank for loopback"
	qi.CharLimit = 256
	qi.Width = 50
	f.quickInput = qi

	placeholders := []string{
		"staging (required to save)",
		"127.0.0.1 (default)",
		"0 (pick a free port)",
		"--lang=en --mute-audio (optional)",
		"api.test=10.0.0.5, cdn.test:443=10.0.0.6 (optional)",
		"socks5://127.0.0.1:1080 (optional)",
	}
	limits := []int{64, 256, 6, 512, 1024, 256}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 48
		f.fields[i] = ti
	}

	return f
}

// update processes a key message and returns a formResult if the form is complete.
func (f *launchForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch f.mode {
	case formModeSelect:
		return f.updateModeSelect(msg)
	case formModeQuick:
		return f.updateQuick(msg)
	case formModeFull:
		return f.updateFull(msg)
	}
	return nil, nil
}

func (f *launchForm) updateModeSelect(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if f.modeSel < 1 {
			f.modeSel++
		}
	case "k", "up":
		if f.modeSel > 0 {
			f.modeSel--
		}
	case "enter":
		if f.modeSel == 0 {
			f.mode = formModeQuick
			f.quickInput.Focus()
			return nil, f.quickInput.Cursor.BlinkCmd()
		}
		f.mode = formModeFull
		f.focusIdx = 0
		f.fields[0].Focus()
		return nil, f.fields[0].Cursor.BlinkCmd()
	}
	return nil, nil
}

func (f *launchForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "enter":
		def, err := parseQuickLaunch(f.quickInput.Value())
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{def: def}, nil
	default:
		var cmd tea.Cmd
		f.quickInput, cmd = f.quickInput.Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *launchForm) updateFull(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+h":
		f.headless = !f.headless
		return nil, nil
	case "ctrl+s":
		f.saveProfile = !f.saveProfile
		return nil, nil
	case "enter":
		def, err := f.buildDefinition()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{def: def, save: f.saveProfile}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *launchForm) buildDefinition() (profile.Definition, error) {
	name := strings.TrimSpace(f.fields[fieldName].Value())
	bind := strings.TrimSpace(f.fields[fieldBind].Value())
	portStr := strings.TrimSpace(f.fields[fieldPort].Value())
	flags := strings.Fields(f.fields[fieldFlags].Value())
	hostsStr := strings.TrimSpace(f.fields[fieldHosts].Value())
	upstream := strings.TrimSpace(f.fields[fieldUpstream].Value())

	if f.saveProfile && name == "" {
		return profile.Definition{}, fmt.Errorf("name is required to save a profile")
	}

	port := 0
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil || util.ValidatePort(p) != nil {
			return profile.Definition{}, fmt.Errorf("port must be 1-65535")
		}
		port = p
	}

	hosts, err := parseHostList(hostsStr)
	if err != nil {
		return profile.Definition{}, err
	}

	def := profile.Definition{
		Name:     name,
		Flags:    flags,
		Headless: f.headless,
		Bind:     bind,
		Port:     port,
		Hosts:    hosts,
		Upstream: upstream,
	}
	if _, err := def.Chain(); err != nil {
		return profile.Definition{}, err
	}
	return def, nil
}

// view renders the form panel.
func (f *launchForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.mode {
	case formModeSelect:
		return renderPanel("New Instance", f.modeSelectView(), width, accent)
	case formModeQuick:
		return renderPanel("Quick Launch", f.quickView(), width, accent)
	case formModeFull:
		return renderPanel("New Instance - Full Config", f.fullView(), width, accent)
	}
	return ""
}

func (f *launchForm) modeSelectView() string {
	var b strings.Builder
	b.WriteString("Choose launch type:\n\n")

	options := []struct {
		label string
		desc  string
	}{
		{"Quick Launch", "Enter bind[:port] and launch immediately"},
		{"Full Config", "Set flags, host overrides and upstream, optionally save as profile"},
	}

	for i, opt := range options {
		cursor := "  "
		if i == f.modeSel {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s[%s]  %s\n", cursor, opt.label, opt.desc))
	}

	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *launchForm) quickView() string {
	var b strings.Builder
	b.WriteString("Debug endpoint:\n\n")
	b.WriteString("  " + f.quickInput.View() + "\n\n")
	b.WriteString("Formats: (blank) | :9222 | 0.0.0.0 | 0.0.0.0:9222 | headless 0.0.0.0\n")

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nEnter to launch, Esc to cancel")
	return b.String()
}

func (f *launchForm) fullView() string {
	labels := []string{"Name:", "Bind:", "Port:", "Flags:", "Hosts:", "Upstream:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-10s %s\n", cursor, label, f.fields[i].View()))
	}

	b.WriteString("\n")
	headless := " "
	if f.headless {
		headless = "x"
	}
	save := " "
	if f.saveProfile {
		save = "x"
	}
	b.WriteString(fmt.Sprintf("  [%s] Headless   [%s] Save as profile\n", headless, save))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+H headless | Ctrl+S save | Enter launch | Esc cancel")
	return b.String()
}

// parseQuickLaunch parses a quick-launch string into a Definition.
// Supported formats: "", ":port", "bind", "bind:port", each optionally
// preceded by the word "headless".
func parseQuickLaunch(input string) (profile.Definition, error) {
	var def profile.Definition
	fields := strings.Fields(input)
	if len(fields) > 0 && strings.EqualFold(fields[0], "headless") {
		def.Headless = true
		fields = fields[1:]
	}
	if len(fields) > 1 {
		return profile.Definition{}, fmt.Errorf("unexpected %q", strings.Join(fields[1:], " "))
	}
	if len(fields) == 0 {
		return def, nil
	}

	spec := fields[0]
	if strings.HasPrefix(spec, ":") {
		p, err := strconv.Atoi(spec[1:])
		if err != nil || util.ValidatePort(p) != nil {
			return profile.Definition{}, fmt.Errorf("port must be 1-65535")
		}
		def.Port = p
		return def, nil
	}
	host, port, err := util.SplitHostPort(spec, 0)
	if err != nil {
		return profile.Definition{}, err
	}
	def.Bind = host
	def.Port = port
	return def, nil
}

// parseHostList parses "key=target" pairs separated by commas or spaces.
func parseHostList(s string) (map[string]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := map[string]string{}
	for _, pair := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		key, target, ok := strings.Cut(pair, "=")
		if !ok || key == "" || target == "" {
			return nil, fmt.Errorf("host override %q must be host=target", pair)
		}
		out[key] = target
	}
	return out, nil
}
