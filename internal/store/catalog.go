package store

import (
	_ "embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Mode string

const (
	ModeReal   Mode = "real"
	ModeMobile Mode = "mobile"
	ModeZero   Mode = "zero"
	ModeDemo   Mode = "demo"
)

// Modes in display order.
var Modes = []Mode{ModeReal, ModeMobile, ModeZero, ModeDemo}

func ParseMode(s string) (Mode, bool) {
	for _, m := range Modes {
		if string(m) == strings.ToLower(s) {
			return m, true
		}
	}
	return "", false
}

type ProxyEndpoint struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
	// Type: http или socks5.
	Type string `json:"type" yaml:"type"`
}

func (p ProxyEndpoint) Addr() string {
	return fmt.Sprintf("%s:%d", p.Host, p.Port)
}

type ServerNode struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Flag     string  `json:"flag,omitempty" yaml:"flag"`
	Location string  `json:"location,omitempty" yaml:"location"`
	Country  string  `json:"country,omitempty" yaml:"country"`
	Host     string  `json:"host" yaml:"host"`
	Port     int     `json:"port" yaml:"port"`
	Protocol string  `json:"protocol,omitempty" yaml:"protocol"`
	Speed    string  `json:"speed,omitempty" yaml:"speed"`
	Load     int     `json:"load" yaml:"load"`
	Ping     float64 `json:"ping" yaml:"ping"`
	Status   string  `json:"status" yaml:"status"`
	Mode     Mode    `json:"mode" yaml:"mode"`

	Proxies  []ProxyEndpoint `json:"proxies,omitempty" yaml:"proxies"`
	Endpoint string          `json:"endpoint,omitempty" yaml:"endpoint"`
	Method   string          `json:"method,omitempty" yaml:"method"`

	// Учётные данные из каталога; наружу не отдаются.
	Username string `json:"-" yaml:"username"`
	Password string `json:"-" yaml:"password"`

	Source string `json:"source,omitempty" yaml:"-"`
}

// Online reports whether the node should be offered for connection.
func (n ServerNode) Online() bool {
	return n.Status == "" || n.Status == "online" || n.Status == "active"
}

// City is the location text before the first comma, or the name.
func (n ServerNode) City() string {
	loc := n.Location
	if loc == "" {
		loc = n.Name
	}
	city, _, _ := strings.Cut(loc, ",")
	return strings.TrimSpace(city)
}

//go:embed catalog.yaml
var builtinCatalog []byte

// ParseCatalog decodes a YAML server list and fills defaults.
func ParseCatalog(data []byte, source string) ([]ServerNode, error) {
	var nodes []ServerNode
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	seen := make(map[string]bool, len(nodes))
	out := nodes[:0]
	for _, n := range nodes {
		if n.ID == "" {
			return nil, fmt.Errorf("parse catalog: server %q has no id", n.Name)
		}
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		normalize(&n)
		n.Source = source
		out = append(out, n)
	}
	return out, nil
}

func normalize(n *ServerNode) {
	if n.Name == "" {
		n.Name = n.ID
	}
	if n.Mode == "" {
		n.Mode = ModeDemo
	}
	if n.Protocol == "" && (n.Mode == ModeReal || n.Mode == ModeDemo) {
		n.Protocol = "udp"
	}
	if n.Port == 0 && n.Mode == ModeReal {
		n.Port = 1194
	}
	if n.Status == "" {
		n.Status = "online"
	}
	for i := range n.Proxies {
		if n.Proxies[i].Type == "" {
			n.Proxies[i].Type = "http"
		}
	}
}

func loadCatalog(path string) ([]ServerNode, error) {
	if path == "" {
		return ParseCatalog(builtinCatalog, "builtin")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data, "catalog")
}
