package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/lightforgemedia/go-wshub/pkg/shared_types"
)

// PortDiscoverer reports the port the hub currently listens on. Hubs bound
// to an ephemeral port change it on every restart.
type PortDiscoverer func(ctx context.Context) (int, error)

// HTTPPortDiscovery asks a hub's /port endpoint. It is useful when that
// endpoint sits behind a stable address while the WebSocket port moves.
func HTTPPortDiscovery(endpoint string, hc *http.Client) PortDiscoverer {
	if hc == nil {
		hc = http.DefaultClient
	}
	return func(ctx context.Context) (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return 0, err
		}
		resp, err := hc.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("port discovery: %s", resp.Status)
		}
		var info shared_types.PortInfo
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return 0, fmt.Errorf("port discovery: %w", err)
		}
		return validPort(info.Port)
	}
}

// FilePortDiscovery reads the port file a hub writes after binding.
func FilePortDiscovery(path string) PortDiscoverer {
	return func(context.Context) (int, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		var info shared_types.PortInfo
		if err := json.Unmarshal(data, &info); err != nil {
			return 0, fmt.Errorf("port file %s: %w", path, err)
		}
		return validPort(info.Port)
	}
}

func validPort(p int) (int, error) {
	if p <= 0 || p > 65535 {
		return 0, fmt.Errorf("port discovery: invalid port %d", p)
	}
	return p, nil
}

// withPort rewrites the port of a ws:// or wss:// URL.
func withPort(rawURL string, port int) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	u.Host = net.JoinHostPort(u.Hostname(), strconv.Itoa(port))
	return u.String(), nil
}
