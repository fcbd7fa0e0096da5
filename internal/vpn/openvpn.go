package vpn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/credentials"
	"github.com/GalitskyKK/nekkus-vpn/internal/ipcheck"
	"github.com/GalitskyKK/nekkus-vpn/internal/logging"
	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

const (
	readyMarker      = "Initialization Sequence Completed"
	authFailedMarker = "AUTH_FAILED"
	tailLines        = 5

	disconnectUnverified = "VPN disconnected - IP verification in progress"
)

type OpenVPNStatus struct {
	Installed bool   `json:"installed"`
	Path      string `json:"path,omitempty"`
	Source    string `json:"source,omitempty"`
}

// OpenVPN запускает внешний openvpn и ждёт поднятия туннеля.
type OpenVPN struct {
	Store *store.Store
	// ConfigPath: vpn.openvpn_path из конфига (OPENVPN_PATH).
	ConfigPath string
	RuntimeDir string
	Creds      *credentials.Resolver
	IP         IPSource

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	SettleDelay       time.Duration

	mu         sync.Mutex
	cmd        *exec.Cmd
	done       chan struct{}
	files      []string
	originalIP string
}

var windowsOpenVPNPaths = []string{
	`C:\Program Files\OpenVPN\bin\openvpn.exe`,
	`C:\Program Files (x86)\OpenVPN\bin\openvpn.exe`,
}

// IsOpenVPNBinary: путь из настроек допускается, только если файл называется openvpn.
func IsOpenVPNBinary(path string) bool {
	base := strings.ToLower(filepath.Base(filepath.Clean(path)))
	return base == "openvpn" || base == "openvpn.exe"
}

// Status ищет бинарник: settings -> конфиг -> OPENVPN_PATH -> PATH.
func (o *OpenVPN) Status() OpenVPNStatus {
	if o.Store != nil {
		if settings, err := o.Store.GetSettings(); err == nil && IsOpenVPNBinary(settings.OpenVPNPath) {
			if _, err := exec.LookPath(settings.OpenVPNPath); err == nil {
				return OpenVPNStatus{Installed: true, Path: settings.OpenVPNPath, Source: "settings"}
			}
		}
	}
	if o.ConfigPath != "" {
		if _, err := exec.LookPath(o.ConfigPath); err == nil {
			return OpenVPNStatus{Installed: true, Path: o.ConfigPath, Source: "config"}
		}
	}
	if envPath := os.Getenv("OPENVPN_PATH"); envPath != "" {
		if _, err := exec.LookPath(envPath); err == nil {
			return OpenVPNStatus{Installed: true, Path: envPath, Source: "env"}
		}
	}
	if p, err := exec.LookPath("openvpn"); err == nil {
		return OpenVPNStatus{Installed: true, Path: p, Source: "path"}
	}
	if runtime.GOOS == "windows" {
		for _, p := range windowsOpenVPNPaths {
			if info, err := os.Stat(p); err == nil && !info.IsDir() {
				return OpenVPNStatus{Installed: true, Path: p, Source: "default"}
			}
		}
	}
	return OpenVPNStatus{Installed: false}
}

func (o *OpenVPN) Connect(ctx context.Context, server store.ServerNode) (Result, error) {
	status := o.Status()
	if !status.Installed {
		return Result{}, ErrOpenVPNMissing
	}

	creds, source := o.Creds.Get(server.ID, credentials.Credentials{Username: server.Username, Password: server.Password})
	log := logging.With().Str("server", server.ID).Logger()
	log.Info().Str("binary", status.Path).Str("credentials", string(source)).Msg("starting openvpn")

	originalIP := o.IP.RefreshPublicIP(ctx)

	cfgPath, authPath, err := o.writeRuntimeFiles(server, creds)
	if err != nil {
		return Result{}, fmt.Errorf("Connection failed: %w", err)
	}

	cmd := exec.Command(status.Path, "--config", cfgPath, "--auth-user-pass", authPath)
	cmd.Dir = o.RuntimeDir
	setProcAttrs(cmd)
	out, err := cmd.StdoutPipe()
	if err != nil {
		o.removeFiles()
		return Result{}, err
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		o.removeFiles()
		return Result{}, fmt.Errorf("Connection failed: %w", err)
	}

	events := make(chan string, 2)
	done := make(chan struct{})
	tail := newLineTail(tailLines)
	var waitErr error
	go func() {
		scanOutput(out, tail, events)
		waitErr = cmd.Wait()
		close(done)
	}()

	o.mu.Lock()
	o.cmd, o.done, o.originalIP = cmd, done, originalIP
	o.mu.Unlock()

	timer := time.NewTimer(o.ConnectTimeout)
	defer timer.Stop()

	verified := false
	select {
	case ev := <-events:
		if ev == authFailedMarker {
			o.stop(ctx)
			return Result{}, ErrAuthFailed
		}
		verified = true
	case <-done:
		if drainAuthFailed(events) {
			o.cleanup()
			return Result{}, ErrAuthFailed
		}
		o.cleanup()
		msg := tail.String()
		if msg == "" && waitErr != nil {
			msg = waitErr.Error()
		}
		return Result{}, fmt.Errorf("Connection failed: %s", msg)
	case <-timer.C:
		log.Warn().Dur("timeout", o.ConnectTimeout).Msg("openvpn still starting, tunnel not verified")
	case <-ctx.Done():
		o.stop(context.Background())
		return Result{}, ctx.Err()
	}

	newIP := o.IP.RefreshPublicIP(ctx)
	res := Result{OriginalIP: originalIP, VPNIP: newIP}
	if newIP != originalIP && newIP != ipcheck.Unknown {
		res.Message = fmt.Sprintf("Connected to %s! Your IP is now %s", server.Name, newIP)
	} else {
		res.Message = fmt.Sprintf("VPN process started for %s - IP change verification in progress", server.Name)
	}
	log.Info().Bool("ready", verified).Str("vpn_ip", newIP).Msg("openvpn connected")
	return res, nil
}

func (o *OpenVPN) Disconnect(ctx context.Context) (string, error) {
	o.mu.Lock()
	originalIP := o.originalIP
	o.mu.Unlock()

	if err := o.stop(ctx); err != nil {
		return "", err
	}
	// Процесс уже остановлен: дальше только проверка IP, отмена ctx её пропускает.
	if err := sleepCtx(ctx, o.SettleDelay); err != nil {
		return disconnectUnverified, nil
	}
	current := o.IP.RefreshPublicIP(ctx)
	if current == originalIP && current != ipcheck.Unknown {
		return fmt.Sprintf("Disconnected successfully. Your IP is back to: %s", current), nil
	}
	return disconnectUnverified, nil
}

func (o *OpenVPN) Alive() bool {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// stop: SIGTERM группе, ждём DisconnectTimeout, затем kill.
func (o *OpenVPN) stop(ctx context.Context) error {
	o.mu.Lock()
	cmd, done := o.cmd, o.done
	o.mu.Unlock()
	if cmd != nil && done != nil {
		if err := terminate(cmd); err != nil {
			logging.Warn().Err(err).Msg("openvpn terminate failed, killing")
		}
		timer := time.NewTimer(o.DisconnectTimeout)
		select {
		case <-done:
		case <-timer.C:
			if err := kill(cmd); err != nil {
				timer.Stop()
				return fmt.Errorf("kill openvpn: %w", err)
			}
			<-done
		case <-ctx.Done():
			_ = kill(cmd)
			<-done
		}
		timer.Stop()
	}
	o.cleanup()
	return nil
}

func (o *OpenVPN) cleanup() {
	o.mu.Lock()
	o.cmd = nil
	o.mu.Unlock()
	o.removeFiles()
}

func (o *OpenVPN) writeRuntimeFiles(server store.ServerNode, creds credentials.Credentials) (cfgPath, authPath string, err error) {
	if err := os.MkdirAll(o.RuntimeDir, 0750); err != nil {
		return "", "", err
	}
	authPath = filepath.Join(o.RuntimeDir, "auth.txt")
	cfgPath = filepath.Join(o.RuntimeDir, server.ID+".ovpn")

	cfg, err := renderOpenVPNConfig(server, authPath, runtime.GOOS == "windows")
	if err != nil {
		return "", "", err
	}
	if err := os.WriteFile(authPath, []byte(creds.Username+"\n"+creds.Password+"\n"), 0600); err != nil {
		return "", "", err
	}
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		_ = os.Remove(authPath)
		return "", "", err
	}
	o.mu.Lock()
	o.files = []string{cfgPath, authPath}
	o.mu.Unlock()
	return cfgPath, authPath, nil
}

func (o *OpenVPN) removeFiles() {
	o.mu.Lock()
	files := o.files
	o.files = nil
	o.mu.Unlock()
	for _, f := range files {
		if err := os.Remove(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Warn().Err(err).Str("file", f).Msg("remove runtime file")
		}
	}
}

// scanOutput читает вывод openvpn до EOF и сигналит о готовности или AUTH_FAILED.
func scanOutput(r io.Reader, tail *lineTail, events chan<- string) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		logging.Debug().Str("openvpn", line).Msg("")
		tail.Add(line)
		switch {
		case strings.Contains(line, readyMarker):
			notify(events, readyMarker)
		case strings.Contains(line, authFailedMarker):
			notify(events, authFailedMarker)
		}
	}
}

func notify(ch chan<- string, ev string) {
	select {
	case ch <- ev:
	default:
	}
}

func drainAuthFailed(events <-chan string) bool {
	for {
		select {
		case ev := <-events:
			if ev == authFailedMarker {
				return true
			}
		default:
			return false
		}
	}
}

type lineTail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func newLineTail(max int) *lineTail {
	return &lineTail{max: max}
}

func (t *lineTail) Add(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "; ")
}
