package vpn

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"text/template"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

var ovpnTemplate = template.Must(template.New("ovpn").Parse(`# nekkus-vpn: {{.Name}}
client
dev tun
proto {{.Protocol}}
remote {{.Host}} {{.Port}}
resolv-retry infinite
nobind
persist-key
persist-tun
cipher AES-256-GCM
auth SHA256
{{- if .AuthFile}}
auth-user-pass {{.AuthFile}}
{{- end}}
verb 3
pull

dhcp-option DNS 1.1.1.1
dhcp-option DNS 1.0.0.1
dhcp-option DNS 8.8.8.8
dhcp-option DNS 8.8.4.4

remote-cert-tls server
tls-version-min 1.2
{{- if .Windows}}
block-outside-dns
{{- end}}
`))

type ovpnParams struct {
	Name     string
	Protocol string
	Host     string
	Port     int
	AuthFile string
	Windows  bool
}

// renderOpenVPNConfig строит клиентский .ovpn для сервера.
func renderOpenVPNConfig(server store.ServerNode, authFile string, windows bool) (string, error) {
	if server.Host == "" {
		return "", fmt.Errorf("server %s has no host", server.ID)
	}
	proto := server.Protocol
	if proto == "" {
		proto = "udp"
	}
	port := server.Port
	if port == 0 {
		port = 1194
	}
	var buf bytes.Buffer
	err := ovpnTemplate.Execute(&buf, ovpnParams{
		Name:     server.Name,
		Protocol: proto,
		Host:     server.Host,
		Port:     port,
		AuthFile: filepath.ToSlash(authFile),
		Windows:  windows,
	})
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// WriteConfigs renders a config for every server into dir, without
// credentials. Returns the written file names.
func WriteConfigs(dir string, servers []store.ServerNode, windows bool) ([]string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}
	written := make([]string, 0, len(servers))
	for _, s := range servers {
		cfg, err := renderOpenVPNConfig(s, "", windows)
		if err != nil {
			return written, err
		}
		name := s.ID + ".ovpn"
		if err := os.WriteFile(filepath.Join(dir, name), []byte(cfg), 0600); err != nil {
			return written, err
		}
		written = append(written, name)
	}
	return written, nil
}
