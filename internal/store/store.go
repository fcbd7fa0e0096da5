package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const subscriptionsFile = "subscriptions.json"
const settingsFile = "settings.json"

var ErrServerNotFound = errors.New("server not found")

type Settings struct {
	// OpenVPNPath: полный путь до openvpn. Если пусто: OPENVPN_PATH, затем PATH.
	OpenVPNPath string `json:"openvpn_path,omitempty"`

	DefaultServer string `json:"default_server,omitempty"`
	DefaultMode   string `json:"default_mode,omitempty"`
}

type Subscription struct {
	ID        string       `json:"id"`
	URL       string       `json:"url"`
	Name      string       `json:"name"`
	Servers   []ServerNode `json:"servers"`
	UpdatedAt int64        `json:"updated_at"`
}

type Store struct {
	mu            sync.RWMutex
	dataDir       string
	catalog       []ServerNode
	subscriptions []Subscription
	settings      Settings
}

// New loads settings and subscriptions from dataDir and the server catalog
// from catalogPath (built-in list when empty).
func New(dataDir, catalogPath string) (*Store, error) {
	catalog, err := loadCatalog(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	s := &Store{
		dataDir:       dataDir,
		catalog:       catalog,
		subscriptions: []Subscription{},
	}
	if err := s.loadJSON(subscriptionsFile, &s.subscriptions); err != nil {
		return nil, err
	}
	if err := s.loadJSON(settingsFile, &s.settings); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) DataDir() string {
	return s.dataDir
}

func (s *Store) loadJSON(name string, v interface{}) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (s *Store) writeJSON(name string, v interface{}) error {
	if err := os.MkdirAll(s.dataDir, 0750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dataDir, name), data, 0600)
}

func (s *Store) GetSettings() (Settings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings, nil
}

func (s *Store) UpdateSettings(patch Settings) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.settings
	if patch.OpenVPNPath != "" {
		next.OpenVPNPath = patch.OpenVPNPath
	}
	if patch.DefaultServer != "" {
		next.DefaultServer = patch.DefaultServer
	}
	if patch.DefaultMode != "" {
		next.DefaultMode = patch.DefaultMode
	}
	if err := s.writeJSON(settingsFile, next); err != nil {
		return Settings{}, err
	}
	s.settings = next
	return next, nil
}

// GetServers возвращает каталог и серверы подписок (без дублей id).
func (s *Store) GetServers() []ServerNode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerNode, 0, len(s.catalog))
	seen := make(map[string]bool, len(s.catalog))
	for _, n := range s.catalog {
		seen[n.ID] = true
		out = append(out, n)
	}
	for _, sub := range s.subscriptions {
		for _, n := range sub.Servers {
			if n.ID != "" && !seen[n.ID] {
				seen[n.ID] = true
				out = append(out, n)
			}
		}
	}
	return out
}

// GetServersByMode filters GetServers; an empty mode returns everything.
func (s *Store) GetServersByMode(mode Mode) []ServerNode {
	all := s.GetServers()
	if mode == "" {
		return all
	}
	out := all[:0]
	for _, n := range all {
		if n.Mode == mode {
			out = append(out, n)
		}
	}
	return out
}

func (s *Store) GetServer(id string) (ServerNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.catalog {
		if n.ID == id {
			return n, nil
		}
	}
	for _, sub := range s.subscriptions {
		for _, n := range sub.Servers {
			if n.ID == id {
				return n, nil
			}
		}
	}
	return ServerNode{}, fmt.Errorf("%w: %s", ErrServerNotFound, id)
}

// SetPing records a measured latency. Unknown ids are ignored.
func (s *Store) SetPing(id string, ms float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.catalog {
		if s.catalog[i].ID == id {
			s.catalog[i].Ping = ms
			return
		}
	}
	for i := range s.subscriptions {
		for j := range s.subscriptions[i].Servers {
			if s.subscriptions[i].Servers[j].ID == id {
				s.subscriptions[i].Servers[j].Ping = ms
				return
			}
		}
	}
}

// Best picks the online server with the lowest known ping. Servers with
// unknown ping (0) rank last; ties go to the smaller id.
func (s *Store) Best(mode Mode) (ServerNode, bool) {
	var candidates []ServerNode
	for _, n := range s.GetServersByMode(mode) {
		if n.Online() {
			candidates = append(candidates, n)
		}
	}
	if len(candidates) == 0 {
		return ServerNode{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if (a.Ping > 0) != (b.Ping > 0) {
			return a.Ping > 0
		}
		if a.Ping != b.Ping {
			return a.Ping < b.Ping
		}
		return a.ID < b.ID
	})
	return candidates[0], true
}

func (s *Store) AddSubscription(name, url string) (*Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := Subscription{
		ID:        "sub-" + uuid.NewString()[:8],
		Name:      name,
		URL:       url,
		UpdatedAt: time.Now().Unix(),
	}
	next := append(append([]Subscription{}, s.subscriptions...), sub)
	if err := s.writeJSON(subscriptionsFile, next); err != nil {
		return nil, err
	}
	s.subscriptions = next
	return &sub, nil
}

func (s *Store) GetSubscription(id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := range s.subscriptions {
		if s.subscriptions[i].ID == id {
			sub := s.subscriptions[i]
			return &sub, nil
		}
	}
	return nil, fmt.Errorf("subscription not found: %s", id)
}

func (s *Store) GetSubscriptions() []Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Subscription, len(s.subscriptions))
	copy(out, s.subscriptions)
	return out
}

func (s *Store) UpdateSubscriptionServers(id string, servers []ServerNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make([]Subscription, len(s.subscriptions))
	copy(next, s.subscriptions)
	found := false
	for i := range next {
		if next[i].ID == id {
			for j := range servers {
				normalize(&servers[j])
				servers[j].Source = id
			}
			next[i].Servers = servers
			next[i].UpdatedAt = time.Now().Unix()
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("subscription not found: %s", id)
	}
	if err := s.writeJSON(subscriptionsFile, next); err != nil {
		return err
	}
	s.subscriptions = next
	return nil
}
