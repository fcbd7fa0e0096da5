//go:build !windows

package vpn

import (
	"os"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

var proxyEnvVars = []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY"}

// setSystemProxy выставляет прокси через переменные окружения процесса.
func setSystemProxy(p store.ProxyEndpoint) {
	v := proxyURL(p)
	for _, name := range proxyEnvVars {
		_ = os.Setenv(name, v)
	}
}

func clearSystemProxy() {
	for _, name := range proxyEnvVars {
		_ = os.Unsetenv(name)
	}
}
