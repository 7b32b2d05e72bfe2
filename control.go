package espargos

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// supportedAPIMajor is the controller HTTP API major version this library
// speaks. Higher majors are rejected; the firmware must be downgraded or the
// library updated.
const supportedAPIMajor = 1

// RFSwitchState selects which feed each sensor's receiver listens to.
type RFSwitchState int

const (
	RFSwitchUnknown RFSwitchState = iota
	RFSwitchAntennaL
	RFSwitchAntennaR
	// RFSwitchReference routes the controller's phase reference signal to
	// every receiver instead of the antennas. Calibration mode.
	RFSwitchReference
)

// APIInfo is the controller's self-description from /api_info.
type APIInfo struct {
	Device   string `json:"device"`
	Revision string `json:"revision"`
	APIMajor int    `json:"api-major"`
	APIMinor int    `json:"api-minor"`
}

// WifiConfig mirrors the controller's WiFi and calibration-signal settings.
// Zero values are meaningful to the firmware; callers should read, modify and
// write back.
type WifiConfig struct {
	CalibMode        int    `json:"calib-mode"`
	CalibSource      int    `json:"calib-source"`
	ChannelPrimary   int    `json:"channel-primary"`
	ChannelSecondary int    `json:"channel-secondary"`
	CountryCode      string `json:"country-code"`
	CalibTxPower     int    `json:"calib-txpower"`
	CalibInterval    int    `json:"calib-interval"`
}

// Control is the HTTP control-plane client for one controller. The CSI
// stream itself travels over UDP or WebSocket; everything else (identify,
// configuration, stream enablement, RF switch) is plain HTTP.
type Control struct {
	host string
	hc   *http.Client
}

// NewControl creates a control client. host is "addr" or "addr:port".
func NewControl(host string) *Control {
	return &Control{
		host: host,
		hc:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Host returns the controller address this client talks to.
func (c *Control) Host() string { return c.host }

// Identify fetches the controller's identification banner and verifies it
// names a known hardware revision.
func (c *Control) Identify(ctx context.Context) (string, error) {
	banner, err := c.get(ctx, "identify")
	if err != nil {
		return "", err
	}
	for _, rev := range revisionsByTag {
		if strings.Contains(banner, rev.Name) {
			return banner, nil
		}
	}
	return "", fmt.Errorf("%w: %q does not identify a known controller", ErrUnexpectedResponse, banner)
}

// APIInfo fetches and validates the controller's API version and hardware
// revision.
func (c *Control) APIInfo(ctx context.Context) (APIInfo, error) {
	var info APIInfo
	if err := c.getJSON(ctx, "api_info", &info); err != nil {
		return APIInfo{}, err
	}
	if info.APIMajor > supportedAPIMajor {
		return APIInfo{}, fmt.Errorf("%w: controller API version %d.%d, supported major is %d",
			ErrUnexpectedResponse, info.APIMajor, info.APIMinor, supportedAPIMajor)
	}
	return info, nil
}

// Hostname fetches the controller's configured hostname.
func (c *Control) Hostname(ctx context.Context) (string, error) {
	var netconf struct {
		Hostname string `json:"hostname"`
	}
	if err := c.getJSON(ctx, "get_netconf", &netconf); err != nil {
		return "", err
	}
	return netconf.Hostname, nil
}

// SetMACFilter restricts the controller to frames whose transmitter address
// matches mac under the given mask.
func (c *Control) SetMACFilter(ctx context.Context, mac, mask MAC) error {
	return c.postOK(ctx, "set_mac_filter", map[string]any{
		"enable":   true,
		"mac":      mac.String(),
		"mac_mask": mask.String(),
	})
}

// ClearMACFilter restores reception of frames from all transmitters.
func (c *Control) ClearMACFilter(ctx context.Context) error {
	return c.postOK(ctx, "set_mac_filter", map[string]any{"enable": false})
}

// RFSwitch fetches the current receiver feed selection.
func (c *Control) RFSwitch(ctx context.Context) (RFSwitchState, error) {
	body, err := c.get(ctx, "get_rfswitch")
	if err != nil {
		return RFSwitchUnknown, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(body))
	if err != nil || n < int(RFSwitchUnknown) || n > int(RFSwitchReference) {
		return RFSwitchUnknown, fmt.Errorf("%w: get_rfswitch returned %q", ErrUnexpectedResponse, body)
	}
	return RFSwitchState(n), nil
}

// SetRFSwitch selects the receiver feed. Switching to RFSwitchReference
// routes the shared phase reference to every antenna path.
func (c *Control) SetRFSwitch(ctx context.Context, state RFSwitchState) error {
	body, err := c.post(ctx, "set_rfswitch", []byte(strconv.Itoa(int(state))))
	if err != nil {
		return err
	}
	if body != "ok" {
		return fmt.Errorf("%w: set_rfswitch returned %q", ErrUnexpectedResponse, body)
	}
	return nil
}

// EnableUDPStream asks the controller to stream CSI datagrams to the given
// local UDP port.
func (c *Control) EnableUDPStream(ctx context.Context, port int) error {
	return c.postOK(ctx, "csi_udp", map[string]any{"enable": true, "port": port})
}

// DisableUDPStream stops the controller's UDP stream.
func (c *Control) DisableUDPStream(ctx context.Context) error {
	return c.postOK(ctx, "csi_udp", map[string]any{"enable": false})
}

// WifiConfig fetches the controller's current WiFi configuration.
func (c *Control) WifiConfig(ctx context.Context) (WifiConfig, error) {
	var conf WifiConfig
	err := c.getJSON(ctx, "get_wificonf", &conf)
	return conf, err
}

// SetWifiConfig writes the controller's WiFi configuration.
func (c *Control) SetWifiConfig(ctx context.Context, conf WifiConfig) error {
	return c.postOK(ctx, "set_wificonf", conf)
}

func (c *Control) get(ctx context.Context, path string) (string, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Control) post(ctx context.Context, path string, body []byte) (string, error) {
	return c.do(ctx, http.MethodPost, path, body)
}

// postOK sends a JSON payload and requires the controller's literal "ok".
func (c *Control) postOK(ctx context.Context, path string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	body, err := c.post(ctx, path, data)
	if err != nil {
		return err
	}
	if body != "ok" {
		return fmt.Errorf("%w: %s returned %q", ErrUnexpectedResponse, path, body)
	}
	return nil
}

func (c *Control) getJSON(ctx context.Context, path string, out any) error {
	body, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fmt.Errorf("%w: %s returned invalid JSON: %v", ErrUnexpectedResponse, path, err)
	}
	return nil
}

func (c *Control) do(ctx context.Context, method, path string, body []byte) (string, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://"+c.host+"/"+path, rd)
	if err != nil {
		return "", fmt.Errorf("%s /%s: %w", c.host, path, err)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s /%s: %w", c.host, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s /%s returned HTTP %d", ErrUnexpectedResponse, c.host, path, res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("%s /%s: %w", c.host, path, err)
	}
	return string(data), nil
}
