package store

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/fieldsignal/rf-range/pkg/types"
)

// stubRow feeds canned column values into a scan.
type stubRow struct{ vals []any }

func (r stubRow) Scan(dest ...any) error {
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan arity: got %d targets for %d values", len(dest), len(r.vals))
	}
	for i, d := range dest {
		reflect.ValueOf(d).Elem().Set(reflect.ValueOf(r.vals[i]))
	}
	return nil
}

func agentRow(devicesJSON []byte) stubRow {
	now := time.Now()
	return stubRow{vals: []any{
		"a1", "field-1", types.RoleListener, "rpi-field-1", "aa:bb:cc/machine-1",
		devicesJSON, types.AgentOnline, true, now, now,
	}}
}

func TestScanAgentDecodesDevices(t *testing.T) {
	agent, err := scanAgent(agentRow([]byte(`[{"id":"rtlsdr0","model":"RTL-SDR","min_hz":24000000,"max_hz":1766000000}]`)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(agent.Devices) != 1 || agent.Devices[0].ID != "rtlsdr0" {
		t.Errorf("devices: got %+v", agent.Devices)
	}
}

func TestScanAgentRejectsMalformedDevices(t *testing.T) {
	agent, err := scanAgent(agentRow([]byte(`{not json`)))
	if err == nil {
		t.Fatal("expected an error for malformed devices column")
	}
	if !strings.Contains(err.Error(), "decoding devices") {
		t.Errorf("error text: got %q", err)
	}
	if agent != nil {
		t.Error("malformed row must not produce an agent")
	}
}
