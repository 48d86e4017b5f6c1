// Package history remembers when each launch profile was last used and how
// often it has been launched.
package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/treykane/chrome-server/internal/appconfig"
	"github.com/treykane/chrome-server/internal/profile"
)

// Usage is the launch record of one profile.
type Usage struct {
	LastUsed time.Time `json:"-"`
	Unix     int64     `json:"last_used"`
	Launches int       `json:"launches"`
}

type store struct {
	Profiles map[string]Usage `json:"profiles"`
}

// mu serializes read-modify-write cycles within the process.
var mu sync.Mutex

func filePath() (string, error) {
	dir, err := appconfig.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "profile_history.json"), nil
}

// Touch records a successful launch of the named profile.
func Touch(name string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	u := st.Profiles[name]
	u.Unix = time.Now().Unix()
	u.Launches++
	st.Profiles[name] = u
	return save(st)
}

// Forget drops the record of a deleted profile. Unknown names are ignored.
func Forget(name string) error {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return err
	}
	if _, ok := st.Profiles[name]; !ok {
		return nil
	}
	delete(st.Profiles, name)
	return save(st)
}

// Get returns the usage of one profile; the zero Usage when never launched.
func Get(name string) (Usage, error) {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return Usage{}, err
	}
	return st.Profiles[name], nil
}

// LastUsed returns unix timestamps of the last launch by profile name.
func LastUsed() (map[string]int64, error) {
	mu.Lock()
	defer mu.Unlock()
	st, err := load()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(st.Profiles))
	for name, u := range st.Profiles {
		out[name] = u.Unix
	}
	return out, nil
}

// SortProfilesRecent returns a new slice sorted by recent use (desc), then name.
func SortProfilesRecent(defs []profile.Definition, lastUsed map[string]int64) []profile.Definition {
	out := append([]profile.Definition(nil), defs...)
	sort.SliceStable(out, func(i, j int) bool {
		ti := lastUsed[out[i].Name]
		tj := lastUsed[out[j].Name]
		if ti != tj {
			return ti > tj
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// load reads the history file. A missing or corrupt file is an empty history.
func load() (store, error) {
	st := store{Profiles: map[string]Usage{}}
	path, err := filePath()
	if err != nil {
		return store{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return store{}, err
	}
	if err := json.Unmarshal(b, &st); err != nil || st.Profiles == nil {
		return store{Profiles: map[string]Usage{}}, nil
	}
	for name, u := range st.Profiles {
		if u.Unix > 0 {
			u.LastUsed = time.Unix(u.Unix, 0)
			st.Profiles[name] = u
		}
	}
	return st, nil
}

func save(st store) error {
	path, err := filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
