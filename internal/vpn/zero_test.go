package vpn

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/GalitskyKK/nekkus-vpn/internal/store"
)

func TestZeroRelay(t *testing.T) {
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login", http.StatusFound)
	}))
	defer relay.Close()

	z := &ZeroRelay{Timeout: 2 * time.Second}
	srv := store.ServerNode{ID: "croxy", Name: "CroxyProxy", Endpoint: relay.URL, Mode: store.ModeZero}

	res, err := z.Connect(context.Background(), srv)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if res.Message != "Zero install proxy activated: CroxyProxy" || !res.ProxyActive {
		t.Errorf("result = %+v", res)
	}
	if !z.Alive() {
		t.Error("not alive")
	}
	msg, _ := z.Disconnect(context.Background())
	if msg != "Zero install proxy deactivated" || z.Alive() {
		t.Errorf("disconnect = %q", msg)
	}
}

func TestZeroRelayUnreachable(t *testing.T) {
	relay := httptest.NewServer(http.NotFoundHandler())
	url := relay.URL
	relay.Close()

	z := &ZeroRelay{Timeout: time.Second}
	_, err := z.Connect(context.Background(), store.ServerNode{ID: "gone", Name: "Gone", Endpoint: url})
	if err == nil || !strings.HasPrefix(err.Error(), "Relay Gone unreachable: ") {
		t.Errorf("err = %v", err)
	}
	if z.Alive() {
		t.Error("alive after failure")
	}
}
