//go:build windows

package vpn

import "github.com/GalitskyKK/nekkus-vpn/internal/store"

// setSystemProxy: no-op на Windows: реестр Internet Settings не трогаем.
func setSystemProxy(p store.ProxyEndpoint) {}

// clearSystemProxy: no-op на Windows.
func clearSystemProxy() {}
