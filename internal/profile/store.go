// Package profile stores named launch presets in profiles.yaml.
package profile

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/hostsfile"
	"github.com/treykane/chrome-server/internal/model"
	"github.com/treykane/chrome-server/internal/routing"
	"github.com/treykane/chrome-server/internal/util"
)

// Definition is one named launch preset.
type Definition struct {
	Name     string   `yaml:"name" json:"name"`
	Flags    []string `yaml:"flags,omitempty" json:"flags,omitempty"`
	Headless bool     `yaml:"headless,omitempty" json:"headless,omitempty"`
	Bind     string   `yaml:"bind,omitempty" json:"bind,omitempty"`
	Port     int      `yaml:"port,omitempty" json:"port,omitempty"`

	// Hosts maps "host[:port]" keys to "[scheme://]host[:port]" targets and
	// is applied after HostsFile.
	Hosts     map[string]string `yaml:"hosts,omitempty" json:"hosts,omitempty"`
	HostsFile string            `yaml:"hosts_file,omitempty" json:"hosts_file,omitempty"`
	Upstream  string            `yaml:"upstream,omitempty" json:"upstream,omitempty"`

	Extensions       []string `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	PACURL           string   `yaml:"pac_url,omitempty" json:"pac_url,omitempty"`
	IgnoreCertErrors bool     `yaml:"ignore_cert_errors,omitempty" json:"ignore_cert_errors,omitempty"`
}

// LaunchFlags returns the browser flags, adding --headless when requested.
func (d Definition) LaunchFlags() []string {
	flags := append([]string(nil), d.Flags...)
	if !d.Headless {
		return flags
	}
	for _, f := range flags {
		if f == "--headless" || strings.HasPrefix(f, "--headless=") {
			return flags
		}
	}
	return append(flags, "--headless")
}

// Chain builds the proxy chain described by the profile.
func (d Definition) Chain() (model.ProxyChain, error) {
	return BuildChain(d.Hosts, d.HostsFile, d.Upstream)
}

// BuildChain combines a routing file, inline host rules and an upstream
// into a ProxyChain. Inline rules override the file.
func BuildChain(hosts map[string]string, hostsFile, upstream string) (model.ProxyChain, error) {
	rules := map[string]model.Address{}
	if strings.TrimSpace(hostsFile) != "" {
		res, err := hostsfile.ParseFile(hostsFile)
		if err != nil {
			return model.ProxyChain{}, err
		}
		for k, v := range res.Rules() {
			rules[k] = v
		}
	}
	for key, target := range hosts {
		if err := routing.ValidateKey(key); err != nil {
			return model.ProxyChain{}, err
		}
		addr, err := util.ParseAddress(target)
		if err != nil {
			return model.ProxyChain{}, fmt.Errorf("host %s: %w", key, err)
		}
		rules[key] = addr
	}

	var up *model.Address
	if strings.TrimSpace(upstream) != "" {
		a, err := util.ParseAddress(upstream)
		if err != nil {
			return model.ProxyChain{}, fmt.Errorf("upstream: %w", err)
		}
		up = &a
	}

	switch {
	case len(rules) > 0:
		return model.HostOverrides(rules, up), nil
	case up != nil:
		return model.ExplicitUpstream(*up), nil
	default:
		return model.NoChain(), nil
	}
}

type fileModel struct {
	Profiles map[string]Definition `yaml:"profiles"`
}

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profiles.yaml"), nil
}

// LoadAll returns all profiles sorted by name.
func LoadAll() ([]Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return nil, err
	}
	out := make([]Definition, 0, len(fm.Profiles))
	for _, p := range fm.Profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one profile by name.
func Get(name string) (Definition, error) {
	fm, err := loadFile()
	if err != nil {
		return Definition{}, err
	}
	p, ok := fm.Profiles[name]
	if !ok {
		return Definition{}, fmt.Errorf("profile not found: %s", name)
	}
	return p, nil
}

// Save adds or replaces a profile after validating it.
func Save(def Definition) error {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return fmt.Errorf("profile name cannot be empty")
	}
	if def.Port != 0 {
		if err := util.ValidatePort(def.Port); err != nil {
			return fmt.Errorf("profile %s: %w", def.Name, err)
		}
	}
	if _, err := BuildChain(def.Hosts, "", def.Upstream); err != nil {
		return fmt.Errorf("profile %s: %w", def.Name, err)
	}

	fm, err := loadFile()
	if err != nil {
		return err
	}
	fm.Profiles[def.Name] = def
	return saveFile(fm)
}

// Delete removes a profile by name.
func Delete(name string) error {
	fm, err := loadFile()
	if err != nil {
		return err
	}
	if _, ok := fm.Profiles[name]; !ok {
		return fmt.Errorf("profile not found: %s", name)
	}
	delete(fm.Profiles, name)
	return saveFile(fm)
}

func loadFile() (fileModel, error) {
	path, err := filePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{Profiles: map[string]Definition{}}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse profiles: %w", err)
	}
	if fm.Profiles == nil {
		fm.Profiles = map[string]Definition{}
	}
	return fm, nil
}

func saveFile(fm fileModel) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
