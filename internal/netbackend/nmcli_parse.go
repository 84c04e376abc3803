package netbackend

import (
	"sort"
	"strconv"
	"strings"

	"poetcam/backend/camd/internal/wifi"
)

// splitTerse splits one line of `nmcli -t` output. Terse mode separates
// fields with ':' and escapes literal colons with a backslash, which SSIDs
// can legitimately contain.
func splitTerse(line string) []string {
	var fields []string
	var cur strings.Builder
	escaped := false
	for _, r := range line {
		switch {
		case escaped:
			cur.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ':':
			fields = append(fields, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	fields = append(fields, cur.String())
	return fields
}

// parseScanList turns `nmcli -t -f SSID,SIGNAL,SECURITY device wifi list`
// output into scan results: hidden networks and the device's own AP are
// dropped, duplicates collapse to the strongest entry, and the result is
// ordered by descending signal.
func parseScanList(lines []string, ownAP string) []ScanResult {
	best := map[string]ScanResult{}
	for _, line := range lines {
		fields := splitTerse(line)
		if len(fields) < 3 {
			continue
		}
		ssid := strings.TrimSpace(fields[0])
		if ssid == "" || ssid == ownAP {
			continue
		}
		signal, _ := strconv.Atoi(strings.TrimSpace(fields[1]))
		sec := parseSecurity(fields[2])
		if prev, ok := best[ssid]; !ok || signal > prev.Signal {
			best[ssid] = ScanResult{SSID: ssid, Signal: signal, Security: sec}
		}
	}
	out := make([]ScanResult, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Signal != out[j].Signal {
			return out[i].Signal > out[j].Signal
		}
		return out[i].SSID < out[j].SSID
	})
	return out
}

func parseSecurity(raw string) wifi.Security {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "--" {
		return wifi.SecurityOpen
	}
	return wifi.SecurityWPAPSK
}

// activeWirelessRow finds the active 802-11-wireless connection on iface in
// `nmcli -t -f NAME,UUID,TYPE,DEVICE connection show --active` output.
func activeWirelessRow(lines []string, iface string) (name, uuid string, ok bool) {
	for _, line := range lines {
		fields := splitTerse(line)
		if len(fields) < 4 {
			continue
		}
		if fields[2] != "802-11-wireless" {
			continue
		}
		if iface != "" && fields[3] != iface {
			continue
		}
		return fields[0], fields[1], true
	}
	return "", "", false
}

// savedWirelessNames lists wireless connection names from
// `nmcli -t -f NAME,TYPE connection show` output.
func savedWirelessNames(lines []string) []string {
	var out []string
	for _, line := range lines {
		fields := splitTerse(line)
		if len(fields) >= 2 && fields[1] == "802-11-wireless" {
			out = append(out, fields[0])
		}
	}
	return out
}
