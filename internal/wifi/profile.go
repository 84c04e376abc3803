package wifi

import "strings"

// Security classifies how a network is protected. Only open networks and
// WPA-PSK are supported on this hardware.
type Security string

const (
	SecurityOpen   Security = "open"
	SecurityWPAPSK Security = "wpa-psk"
)

// NetworkProfile is one saved network. The secret is write-only: it is
// persisted for activation but stripped from anything that leaves the store
// through List.
type NetworkProfile struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	SSID        string   `json:"ssid"`
	Secret      string   `json:"secret,omitempty"`
	AutoConnect bool     `json:"autoconnect"`
	Security    Security `json:"security"`
}

// Redacted returns a copy safe to hand outside the store.
func (p NetworkProfile) Redacted() NetworkProfile {
	p.Secret = ""
	return p
}

// ProfileName normalizes an SSID into a connection name. NetworkManager
// tolerates spaces but the rest of the tooling does not, so they become
// underscores, matching how connections were named on earlier images.
func ProfileName(ssid string) string {
	return strings.ReplaceAll(strings.TrimSpace(ssid), " ", "_")
}
