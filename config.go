package relay

// config.go implements the declarative YAML configuration API: a
// Configuration gathers add_circuit / add_circuit_edge /
// set_bandwidth_rate / set_bandwidth_burst directives, can be written to
// or read from a file, and replayed onto a Relay with Apply.
//
// The shape — a named collection struct with an incremental Add method, a
// WriteToFile that picks YAML or JSON by extension, and a matching
// ReadConfiguration deserializer — is desc-topo.go's DevExecList pattern,
// carried over directive-for-directive.

import (
	"encoding/json"
	"os"
	"path"

	"github.com/iti/rngstream"
	"golang.org/x/exp/slices"
	"gopkg.in/yaml.v3"
)

// validEdgeDirections enumerates the legal values of an EdgeDirection
// field loaded from a configuration file, so a typo surfaces as a
// ConfigError instead of silently defaulting to RELAYEDGE.
var validEdgeDirections = []EdgeDirection{RELAYEDGE, PROXYEDGE, SERVEREDGE}

// EdgeDirection names the three roles an AddCircuit endpoint can play in a
// configuration file. RELAYEDGE is an ordinary relay-to-relay OR hop;
// PROXYEDGE and SERVEREDGE are the two edge roles: the client-facing side
// and the destination-facing side. They map to ProxyEdge and ServerEdge,
// which decide whether relay bring-up attaches a pseudo client or a pseudo
// server socket to a loopback edge.
type EdgeDirection string

const (
	RELAYEDGE  EdgeDirection = "RELAYEDGE"
	PROXYEDGE  EdgeDirection = "PROXYEDGE"
	SERVEREDGE EdgeDirection = "SERVEREDGE"
)

func (d EdgeDirection) toEdgeKind() EdgeKind {
	switch d {
	case PROXYEDGE:
		return ProxyEdge
	case SERVEREDGE:
		return ServerEdge
	default:
		return RelayEdge
	}
}

// CircuitDesc is one add_circuit / add_circuit_edge directive.
type CircuitDesc struct {
	ID        uint16        `json:"id" yaml:"id"`
	NextIP    string        `json:"nextip" yaml:"nextip"`
	NextDir   EdgeDirection `json:"nextdir" yaml:"nextdir"`
	PrevIP    string        `json:"previp" yaml:"previp"`
	PrevDir   EdgeDirection `json:"prevdir" yaml:"prevdir"`
	HasEdgeRV bool          `json:"hasedgerv" yaml:"hasedgerv"`
}

// BandwidthDesc is one set_bandwidth_rate / set_bandwidth_burst directive.
type BandwidthDesc struct {
	ReadBytesPerSec  float64 `json:"readbytespersec" yaml:"readbytespersec"`
	WriteBytesPerSec float64 `json:"writebytespersec" yaml:"writebytespersec"`
	ReadBurst        int64   `json:"readburst" yaml:"readburst"`
	WriteBurst       int64   `json:"writeburst" yaml:"writeburst"`
}

// Configuration gathers the declarative directives for one relay's
// circuits and bandwidth limits, as they would be read from a config file
// and then replayed onto a live Relay.
type Configuration struct {
	Name      string          `json:"name" yaml:"name"`
	Circuits  []CircuitDesc   `json:"circuits" yaml:"circuits"`
	Bandwidth []BandwidthDesc `json:"bandwidth" yaml:"bandwidth"`

	// edgeStreams holds the random streams for circuits built with
	// AddCircuitEdge, keyed by circuit id. Not serialized: a loaded
	// configuration's edge circuits get fresh streams attached by the
	// caller before Apply, the same way the original source re-seeds its
	// RNGs per run rather than persisting stream state to disk.
	edgeStreams map[uint16][2]*rngstream.RngStream
}

// CreateConfiguration is an initialization constructor.
func CreateConfiguration(name string) *Configuration {
	cfg := new(Configuration)
	cfg.Name = name
	cfg.Circuits = make([]CircuitDesc, 0)
	cfg.Bandwidth = make([]BandwidthDesc, 0)
	cfg.edgeStreams = make(map[uint16][2]*rngstream.RngStream)
	return cfg
}

// AddCircuit appends a middle/exit circuit directive.
func (cfg *Configuration) AddCircuit(id uint16, nextIP string, nextDir EdgeDirection, prevIP string, prevDir EdgeDirection) {
	if !slices.Contains(validEdgeDirections, nextDir) || !slices.Contains(validEdgeDirections, prevDir) {
		panic(&ConfigError{msg: "circuit directive names an unrecognized edge direction"})
	}
	cfg.Circuits = append(cfg.Circuits, CircuitDesc{ID: id, NextIP: nextIP, NextDir: nextDir, PrevIP: prevIP, PrevDir: prevDir})
}

// AddCircuitEdge appends a circuit directive whose proxy or server edge is
// driven by requestStream/thinkStream once Apply runs.
func (cfg *Configuration) AddCircuitEdge(id uint16, nextIP string, nextDir EdgeDirection, prevIP string, prevDir EdgeDirection,
	requestStream, thinkStream *rngstream.RngStream) {
	cfg.Circuits = append(cfg.Circuits, CircuitDesc{ID: id, NextIP: nextIP, NextDir: nextDir, PrevIP: prevIP, PrevDir: prevDir, HasEdgeRV: true})
	cfg.edgeStreams[id] = [2]*rngstream.RngStream{requestStream, thinkStream}
}

// SetBandwidthRate appends a bandwidth-rate directive.
func (cfg *Configuration) SetBandwidthRate(readBytesPerSec, writeBytesPerSec float64) {
	cfg.Bandwidth = append(cfg.Bandwidth, BandwidthDesc{ReadBytesPerSec: readBytesPerSec, WriteBytesPerSec: writeBytesPerSec})
}

// SetBandwidthBurst appends a bandwidth-burst directive.
func (cfg *Configuration) SetBandwidthBurst(readBurst, writeBurst int64) {
	cfg.Bandwidth = append(cfg.Bandwidth, BandwidthDesc{ReadBurst: readBurst, WriteBurst: writeBurst})
}

// Apply replays every directive in cfg onto r: all bandwidth directives
// first, then all circuit directives, each group in the order it was
// added. A circuit directive naming an unrecognized edge direction is a
// ConfigError, as is one flagged HasEdgeRV but missing a registered stream
// pair: the file promised a traffic generator the caller never attached
// one to.
func (cfg *Configuration) Apply(r *Relay) {
	for _, bw := range cfg.Bandwidth {
		if bw.ReadBytesPerSec > 0 || bw.WriteBytesPerSec > 0 {
			r.SetBandwidthRate(bw.ReadBytesPerSec, bw.WriteBytesPerSec)
		}
		if bw.ReadBurst > 0 || bw.WriteBurst > 0 {
			r.SetBandwidthBurst(bw.ReadBurst, bw.WriteBurst)
		}
	}

	for _, cd := range cfg.Circuits {
		if !slices.Contains(validEdgeDirections, cd.NextDir) || !slices.Contains(validEdgeDirections, cd.PrevDir) {
			panic(&ConfigError{msg: "circuit directive names an unrecognized edge direction"})
		}
		if !cd.HasEdgeRV {
			r.AddCircuit(cd.ID, cd.NextIP, cd.NextDir.toEdgeKind(), cd.PrevIP, cd.PrevDir.toEdgeKind())
			continue
		}
		streams, present := cfg.edgeStreams[cd.ID]
		if !present {
			panic(&ConfigError{msg: "circuit declares a traffic generator but no random streams were attached"})
		}
		r.AddCircuitEdge(cd.ID, cd.NextIP, cd.NextDir.toEdgeKind(), cd.PrevIP, cd.PrevDir.toEdgeKind(), streams[0], streams[1])
	}
}

// WriteToFile stores cfg to filename, choosing YAML or JSON by extension.
func (cfg *Configuration) WriteToFile(filename string) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(*cfg)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(*cfg, "", "\t")
	}
	if merr != nil {
		panic(merr)
	}

	f, cerr := os.Create(filename)
	if cerr != nil {
		panic(cerr)
	}
	defer f.Close()

	_, werr := f.WriteString(string(bytes))
	if werr != nil {
		panic(werr)
	}
	return nil
}

// ReadConfiguration deserializes a Configuration from dict, or from
// filename if dict is empty. useYAML selects the codec; it is ignored
// when the bytes come from filename, whose extension picks the codec
// instead.
func ReadConfiguration(filename string, useYAML bool, dict []byte) (*Configuration, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
		useYAML = path.Ext(filename) != ".json" && path.Ext(filename) != ".JSON"
	}

	cfg := CreateConfiguration("")
	if useYAML {
		err = yaml.Unmarshal(dict, cfg)
	} else {
		err = json.Unmarshal(dict, cfg)
	}
	if err != nil {
		return nil, err
	}
	if cfg.edgeStreams == nil {
		cfg.edgeStreams = make(map[uint16][2]*rngstream.RngStream)
	}
	return cfg, nil
}
