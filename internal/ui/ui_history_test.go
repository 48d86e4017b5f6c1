package ui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/history"
	"github.com/treykane/chrome-server/internal/instance"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/profile"
)

type fakeInstances struct {
	killed    []string
	killedAll bool
	list      []model.InstanceRuntime
	routes    []string
}

func (f *fakeInstances) Launch(context.Context, string, instance.LaunchOptions) (*instance.Instance, error) {
	return nil, context.Canceled
}

func (f *fakeInstances) Kill(_ context.Context, id string) error {
	f.killed = append(f.killed, id)
	return nil
}

func (f *fakeInstances) KillAll(context.Context) error {
	f.killedAll = true
	return nil
}

func (f *fakeInstances) List() []model.InstanceRuntime { return f.list }

func (f *fakeInstances) AddRoute(id, domain, ip string, port int) error {
	f.routes = append(f.routes, id+" "+domain+" "+ip)
	return nil
}

func typeKeys(t *testing.T, m tea.Model, text string) tea.Model {
	t.Helper()
	for _, r := range text {
		m, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func TestApplyFilter_RecentFirstSort(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := history.Touch("db"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if err := history.Touch("api"); err != nil {
		t.Fatal(err)
	}

	m := dashboardModel{
		profiles: []profile.Definition{
			{Name: "db"},
			{Name: "api"},
			{Name: "cache"},
		},
		recentFirst: true,
	}
	m.applyFilter()
	if len(m.filtered) != 3 {
		t.Fatalf("unexpected filtered profiles: %+v", m.filtered)
	}
	if m.filtered[0].Name != "api" || m.filtered[1].Name != "db" {
		t.Fatalf("expected most recent profile first, got %s, %s", m.filtered[0].Name, m.filtered[1].Name)
	}

	m.filter = "CA"
	m.applyFilter()
	if len(m.filtered) != 1 || m.filtered[0].Name != "cache" {
		t.Fatalf("filter: %+v", m.filtered)
	}
}

func TestDashboardKillSelectedInstance(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	mgr := &fakeInstances{list: []model.InstanceRuntime{{ID: "a"}, {ID: "b"}}}
	m := newDashboard(mgrConfig(), mgr, nil)

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	_, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("x")})
	if cmd == nil {
		t.Fatal("expected a kill command")
	}
	msg := cmd()
	if km, ok := msg.(killedMsg); !ok || km.id != "b" {
		t.Fatalf("unexpected message %#v", msg)
	}
	if len(mgr.killed) != 1 || mgr.killed[0] != "b" {
		t.Fatalf("killed: %v", mgr.killed)
	}
}

func TestDashboardQuitKillsAll(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	mgr := &fakeInstances{}
	m := newDashboard(mgrConfig(), mgr, nil)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if !mgr.killedAll {
		t.Fatal("quit must kill every instance")
	}
}

func TestDashboardLaunchFailureShowsStatus(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	if err := profile.Save(profile.Definition{Name: "staging"}); err != nil {
		t.Fatal(err)
	}
	mgr := &fakeInstances{}
	m := newDashboard(mgrConfig(), mgr, nil)
	if len(m.filtered) != 1 {
		t.Fatalf("profiles: %+v", m.filtered)
	}
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected launch command")
	}
	next, _ := m.Update(cmd())
	if got := next.(dashboardModel).status; got == "" || got[:13] != "Launch failed" {
		t.Fatalf("status: %q", got)
	}
}

func TestDashboardRouteSelectedInstance(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	mgr := &fakeInstances{list: []model.InstanceRuntime{{ID: "a"}, {ID: "b"}}}
	m := newDashboard(mgrConfig(), mgr, nil)

	var next tea.Model = m
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyTab})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	if !next.(dashboardModel).routeMode {
		t.Fatal("a should open the route prompt")
	}
	next = typeKeys(t, next, "api.test 10.0.0.5:8080")
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatal("expected a route command")
	}
	next, _ = next.Update(cmd())
	if len(mgr.routes) != 1 || mgr.routes[0] != "b api.test 10.0.0.5:8080" {
		t.Fatalf("routes: %v", mgr.routes)
	}
	if got := next.(dashboardModel).status; got != "Routed api.test for b" {
		t.Fatalf("status: %q", got)
	}
}

func TestDashboardRouteRejectsBadInput(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	mgr := &fakeInstances{list: []model.InstanceRuntime{{ID: "a"}}}
	var next tea.Model = newDashboard(mgrConfig(), mgr, nil)
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyTab})
	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	next = typeKeys(t, next, "only-a-domain")
	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd != nil || len(mgr.routes) != 0 {
		t.Fatalf("bad input must not reach the manager: %v", mgr.routes)
	}
	if got := next.(dashboardModel).status; !strings.HasPrefix(got, "Route: ") {
		t.Fatalf("status: %q", got)
	}
}

func mgrConfig() appconfig.Config {
	cfg := appconfig.Default()
	cfg.Security.RedactErrors = false
	return cfg
}
