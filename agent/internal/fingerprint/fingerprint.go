// Package fingerprint derives a stable machine identity for API key
// binding.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
)

// Compute returns a hex digest of the machine-id and the hardware MAC
// addresses. Stable across restarts and reinstalls of the agent binary;
// changes when the agent moves to different hardware.
func Compute() (string, error) {
	var parts []string

	if id := machineID(); id != "" {
		parts = append(parts, id)
	}

	macs, err := hardwareAddrs()
	if err != nil {
		return "", fmt.Errorf("enumerating interfaces: %w", err)
	}
	parts = append(parts, macs...)

	if len(parts) == 0 {
		return "", fmt.Errorf("no machine-id or hardware addresses available")
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:]), nil
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		data, err := os.ReadFile(path)
		if err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}

// hardwareAddrs returns the MACs of physical-looking interfaces, sorted so
// enumeration order does not change the digest.
func hardwareAddrs() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(iface.HardwareAddr) == 0 {
			continue
		}
		macs = append(macs, iface.HardwareAddr.String())
	}
	sort.Strings(macs)
	return macs, nil
}
