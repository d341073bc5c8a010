package manager

import (
	"context"
	"testing"
	"time"

	"github.com/falconscript/proxyratemanager/pkg/config"
	mgrerrors "github.com/falconscript/proxyratemanager/pkg/errors"
)

func TestClientCurrentIPAndOptions(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)

	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", func(d *config.CircuitDefinition) {
		d.Port = 1080
		d.Username = "u"
	})); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	cl, err := co.CreateClient()
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if cl.CurrentIP() != "10.0.0.1" {
		t.Errorf("Expected current IP 10.0.0.1, got %s", cl.CurrentIP())
	}
	opts := cl.SocksAgentOptions()
	if opts.SocksHost != "10.1.0.1" || opts.SocksPort != 1080 || opts.SocksUsername != "u" {
		t.Errorf("Unexpected socks options %+v", opts)
	}
}

func TestClientRigidMisuse(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)
	co.RegisterAction("api", 5, time.Minute)

	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", func(d *config.CircuitDefinition) {
		d.InCyclingPool = false
		d.Name = "rigid"
	})); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	cl, err := co.CreateClientByName("rigid")
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	if _, err := cl.ProbeOrChange("api"); err == nil {
		t.Error("Expected RigidCircuitMisuse from ProbeOrChange")
	} else if !mgrerrors.IsCategory(err, mgrerrors.CategoryConfiguration) {
		t.Errorf("Expected configuration category, got %v", err)
	}
	if err := cl.ReportAction("api"); err == nil {
		t.Error("Expected RigidCircuitMisuse from ReportAction")
	}

	// Force change on a rigid circuit logs and stays put.
	before := cl.Circuit()
	if err := cl.ForceIPChange(); err != nil {
		t.Errorf("Expected rigid force change to be a no-op, got %v", err)
	}
	if cl.Circuit() != before {
		t.Error("Expected rigid client to stay bound")
	}
}

func TestClientCyclingForceIPChangeRebinds(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)

	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}
	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.2", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	cl, err := co.CreateClientByIndex(0)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}
	before := cl.Circuit()

	if err := cl.ForceIPChange(); err != nil {
		t.Fatalf("Failed to force change: %v", err)
	}
	if cl.Circuit() == before {
		t.Error("Expected cycling client to rebind to a different circuit")
	}
}

func TestClientProbeOrChangeCycling(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)
	co.RegisterAction("api", 1, time.Minute)

	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}
	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.2", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	cl, err := co.CreateClientByIndex(0)
	if err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	changed, err := cl.ProbeOrChange("api")
	if err != nil {
		t.Fatalf("Failed to probe: %v", err)
	}
	if changed {
		t.Error("Expected fresh IP to need no change")
	}

	if err := cl.ReportAction("api"); err != nil {
		t.Fatalf("Failed to report action: %v", err)
	}

	before := cl.Circuit()
	changed, err = cl.ProbeOrChange("api")
	if err != nil {
		t.Fatalf("Failed to probe: %v", err)
	}
	if !changed {
		t.Error("Expected exhausted IP to rotate")
	}
	if cl.Circuit() == before {
		t.Error("Expected client rebound to a different circuit")
	}
}

func TestPollingClientIsInert(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)
	co.RegisterAction("api", 5, time.Minute)

	c, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", nil))
	if err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}
	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.2", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	pollCl := newClient(co, c, true)

	if err := pollCl.ForceIPChange(); err != nil {
		t.Errorf("Expected polling force change to be inert, got %v", err)
	}
	if pollCl.Circuit() != c {
		t.Error("Expected polling client to stay bound")
	}

	pollCl.rebind(co.pool.ByIndex(1))
	if pollCl.Circuit() != c {
		t.Error("Expected polling client rebind to be inert")
	}

	if _, err := pollCl.ProbeOrChange("api"); err == nil {
		t.Error("Expected misuse error from polling ProbeOrChange")
	}
	if err := pollCl.ReportAction("api"); err == nil {
		t.Error("Expected misuse error from polling ReportAction")
	}
}

func TestClientsNotTrackedForPolling(t *testing.T) {
	prober := &fakeProber{ip: "10.0.0.1"}
	co := newTestCoordinator(t, prober, nil)

	if _, err := co.AddCircuit(context.Background(), slowPollDef("10.1.0.1", nil)); err != nil {
		t.Fatalf("Failed to add circuit: %v", err)
	}

	if _, err := co.CreateClient(); err != nil {
		t.Fatalf("Failed to create client: %v", err)
	}

	co.clientsMu.Lock()
	tracked := len(co.clients)
	co.clientsMu.Unlock()
	if tracked != 1 {
		t.Errorf("Expected exactly the user client on the list, got %d", tracked)
	}
}
