package relay

import (
	"path/filepath"
	"testing"
)

func TestConfigurationWriteAndReadYAML(t *testing.T) {
	cfg := CreateConfiguration("roundtrip")
	cfg.SetBandwidthRate(1000, 2000)
	cfg.AddCircuit(3, "10.0.0.2", RELAYEDGE, "127.0.0.1", PROXYEDGE)

	file := filepath.Join(t.TempDir(), "cfg.yaml")
	if err := cfg.WriteToFile(file); err != nil {
		t.Fatalf("WriteToFile: %v", err)
	}

	loaded, err := ReadConfiguration(file, true, nil)
	if err != nil {
		t.Fatalf("ReadConfiguration: %v", err)
	}
	if loaded.Name != "roundtrip" {
		t.Fatalf("Name = %q, want %q", loaded.Name, "roundtrip")
	}
	if len(loaded.Circuits) != 1 || loaded.Circuits[0].ID != 3 {
		t.Fatalf("Circuits = %+v, want one entry with id 3", loaded.Circuits)
	}
	if len(loaded.Bandwidth) != 1 || loaded.Bandwidth[0].ReadBytesPerSec != 1000 {
		t.Fatalf("Bandwidth = %+v", loaded.Bandwidth)
	}
}

func TestConfigurationApplyEdgeWithoutStreamsPanics(t *testing.T) {
	cfg := CreateConfiguration("broken")
	cfg.Circuits = append(cfg.Circuits, CircuitDesc{ID: 1, NextIP: "10.0.0.2", NextDir: RELAYEDGE,
		PrevIP: "127.0.0.1", PrevDir: PROXYEDGE, HasEdgeRV: true})

	r := NewRelay("A", "10.0.0.1", nil)

	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic applying an edge circuit with no attached random streams")
		}
	}()
	cfg.Apply(r)
}
