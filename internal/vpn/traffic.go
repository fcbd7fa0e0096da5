package vpn

import (
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/net"
)

// Имена интерфейсов туннеля (OpenVPN tun/tap, Wintun, utun и т.д.)
var tunNamePrefixes = []string{"tun", "wintun", "utun", "tap", "wg", "wireguard", "openvpn"}

// Исключаем из суммы "все интерфейсы" (loopback и типичные виртуалки)
var excludePrefixes = []string{"loopback", "lo", "bluetooth", "vmware", "vbox", "virtualbox", "docker", "veth"}

type TrafficStats struct {
	Upload        int64 `json:"upload"`
	Download      int64 `json:"download"`
	DownloadSpeed int64 `json:"download_speed"`
	UploadSpeed   int64 `json:"upload_speed"`
	StartedAt     int64 `json:"started_at"`
}

// sumSource: база снята с суммы физических интерфейсов.
const sumSource = "*"

// trafficMeter считает трафик сессии по счётчикам интерфейсов.
// Источник (tun-интерфейс или сумма) фиксируется в start: если он пропал,
// отдаём последнее удачное чтение, а не смешиваем источники.
type trafficMeter struct {
	counters func(pernic bool) ([]net.IOCountersStat, error)

	mu        sync.Mutex
	source    string
	baseRecv  uint64
	baseSent  uint64
	startedAt time.Time
	lastRecv  uint64
	lastSent  uint64
	lastAt    time.Time
	goodRecv  uint64
	goodSent  uint64
}

func newTrafficMeter() *trafficMeter {
	return &trafficMeter{counters: net.IOCounters}
}

func isTunName(name string) bool {
	name = strings.ToLower(name)
	for _, prefix := range tunNamePrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func isExcluded(name string) bool {
	name = strings.ToLower(name)
	for _, ex := range excludePrefixes {
		if strings.HasPrefix(name, ex) {
			return true
		}
	}
	return false
}

func sumPhysical(counters []net.IOCountersStat) (recv, sent uint64) {
	for i := range counters {
		if isExcluded(counters[i].Name) {
			continue
		}
		recv += counters[i].BytesRecv
		sent += counters[i].BytesSent
	}
	return recv, sent
}

// tunBytes: сначала интерфейс туннеля, иначе сумма физических (только при подключении).
// source: имя интерфейса или sumSource.
func (t *trafficMeter) tunBytes(connected bool) (recv, sent uint64, source string, ok bool) {
	counters, err := t.counters(true)
	if err != nil {
		return 0, 0, "", false
	}
	for i := range counters {
		if isTunName(counters[i].Name) {
			return counters[i].BytesRecv, counters[i].BytesSent, counters[i].Name, true
		}
	}
	if !connected {
		return 0, 0, "", false
	}
	recv, sent = sumPhysical(counters)
	return recv, sent, sumSource, true
}

// readSource читает только тот источник, с которого снята база.
func (t *trafficMeter) readSource(source string) (recv, sent uint64, ok bool) {
	if source == "" {
		return 0, 0, false
	}
	counters, err := t.counters(true)
	if err != nil {
		return 0, 0, false
	}
	if source == sumSource {
		recv, sent = sumPhysical(counters)
		return recv, sent, true
	}
	for i := range counters {
		if counters[i].Name == source {
			return counters[i].BytesRecv, counters[i].BytesSent, true
		}
	}
	return 0, 0, false
}

// start запоминает базу на момент подключения.
func (t *trafficMeter) start(now time.Time) {
	recv, sent, source, _ := t.tunBytes(true)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = source
	t.baseRecv, t.baseSent = recv, sent
	t.lastRecv, t.lastSent = recv, sent
	t.goodRecv, t.goodSent = recv, sent
	t.startedAt, t.lastAt = now, now
}

func (t *trafficMeter) stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source = ""
	t.startedAt, t.lastAt = time.Time{}, time.Time{}
}

func delta(cur, base uint64) uint64 {
	if cur < base {
		return 0
	}
	return cur - base
}

// current возвращает свежее чтение источника или последнее удачное. Под t.mu.
func (t *trafficMeter) current(recv, sent uint64, ok bool) (uint64, uint64) {
	if ok {
		t.goodRecv, t.goodSent = recv, sent
	}
	return t.goodRecv, t.goodSent
}

// session returns bytes received and sent since start.
func (t *trafficMeter) session() (recv, sent uint64) {
	t.mu.Lock()
	source := t.source
	t.mu.Unlock()
	r, s, ok := t.readSource(source)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.source == "" {
		return 0, 0
	}
	r, s = t.current(r, s, ok)
	return delta(r, t.baseRecv), delta(s, t.baseSent)
}

func (t *trafficMeter) stats(connected bool, now time.Time) TrafficStats {
	if !connected {
		t.stop()
		return TrafficStats{}
	}
	t.mu.Lock()
	source := t.source
	t.mu.Unlock()
	recv, sent, ok := t.readSource(source)

	t.mu.Lock()
	defer t.mu.Unlock()
	recv, sent = t.current(recv, sent, ok)
	out := TrafficStats{
		Download: int64(delta(recv, t.baseRecv)),
		Upload:   int64(delta(sent, t.baseSent)),
	}
	if !t.startedAt.IsZero() {
		out.StartedAt = t.startedAt.Unix()
	}
	if ok && !t.lastAt.IsZero() {
		elapsed := now.Sub(t.lastAt).Seconds()
		if elapsed > 0 {
			out.DownloadSpeed = int64(float64(int64(recv)-int64(t.lastRecv)) / elapsed)
			out.UploadSpeed = int64(float64(int64(sent)-int64(t.lastSent)) / elapsed)
			if out.DownloadSpeed < 0 {
				out.DownloadSpeed = 0
			}
			if out.UploadSpeed < 0 {
				out.UploadSpeed = 0
			}
		}
	}
	if ok {
		t.lastRecv, t.lastSent, t.lastAt = recv, sent, now
	}
	return out
}
