package vpn

import (
	"errors"
	"fmt"
)

// Тексты ошибок показываются пользователю как есть.
var (
	ErrConnectInProgress  = errors.New("Connection already in progress")
	ErrAlreadyConnected   = errors.New("Already connected. Disconnect first.")
	ErrNotConnected       = errors.New("Not connected")
	ErrNoServers          = errors.New("No servers available")
	ErrServerNotAvailable = errors.New("server not available")
	ErrConnectFailed      = errors.New("connect failed")
	ErrDisconnectFailed   = errors.New("disconnect failed")
	ErrOpenVPNMissing     = errors.New("OpenVPN required for real VPN. Install: 'sudo apt install openvpn' or 'winget install OpenVPN.OpenVPN'")
	ErrAuthFailed         = errors.New("Authentication failed")
)

type notAvailableError struct {
	id string
}

func (e *notAvailableError) Error() string {
	return fmt.Sprintf("Server %s not available", e.id)
}

func (e *notAvailableError) Is(target error) bool {
	return target == ErrServerNotAvailable
}

// opError carries a connector failure. Error() is the connector's message.
type opError struct {
	kind error
	err  error
}

func (e *opError) Error() string {
	return e.err.Error()
}

func (e *opError) Unwrap() error {
	return e.err
}

func (e *opError) Is(target error) bool {
	return target == e.kind
}
