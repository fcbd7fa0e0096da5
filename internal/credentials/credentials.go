// Package credentials resolves OpenVPN usernames and passwords per server.
// Stored credentials live in the system keyring.
package credentials

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/zalando/go-keyring"
)

const serviceName = "nekkus-vpn"

var ErrInvalid = errors.New("username and password are required")

type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (c Credentials) Valid() bool {
	return c.Username != "" && c.Password != ""
}

// Source of the resolved credentials, for logs.
type Source string

const (
	SourceKeyring  Source = "keyring"
	SourceServer   Source = "server"
	SourceEnv      Source = "env"
	SourceFallback Source = "fallback"
)

var fallback = Credentials{Username: "proton_free", Password: "proton_free"}

// Resolver looks credentials up in the keyring, then in the server catalog,
// then in the configured VPN_USERNAME/VPN_PASSWORD pair.
type Resolver struct {
	env Credentials
}

func NewResolver(username, password string) *Resolver {
	return &Resolver{env: Credentials{Username: username, Password: password}}
}

// Get never fails: keyring errors fall through to the next source.
func (r *Resolver) Get(serverID string, server Credentials) (Credentials, Source) {
	if c, err := Load(serverID); err == nil && c.Valid() {
		return c, SourceKeyring
	}
	if server.Valid() {
		return server, SourceServer
	}
	if r.env.Valid() {
		return r.env, SourceEnv
	}
	return fallback, SourceFallback
}

func (r *Resolver) Set(serverID string, c Credentials) error {
	return Save(serverID, c)
}

func (r *Resolver) Delete(serverID string) error {
	return Remove(serverID)
}

func Load(serverID string) (Credentials, error) {
	raw, err := keyring.Get(serviceName, serverID)
	if err != nil {
		return Credentials{}, err
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return Credentials{}, fmt.Errorf("decode credentials for %s: %w", serverID, err)
	}
	return c, nil
}

func Save(serverID string, c Credentials) error {
	if !c.Valid() {
		return ErrInvalid
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	if err := keyring.Set(serviceName, serverID, string(data)); err != nil {
		return fmt.Errorf("keyring set %s: %w", serverID, err)
	}
	return nil
}

func Remove(serverID string) error {
	err := keyring.Delete(serviceName, serverID)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}
