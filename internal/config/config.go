// Package config holds the CLI-facing configuration struct and its JSON
// loader, modeled directly on the teacher's server/config.go Config +
// parseJSONConfig pair.
package config

import (
	"encoding/json"
	"os"

	"github.com/rdrop-io/rdrop/internal/werr"
)

// Config collects every tunable named across the handshake, transport, and
// transfer layers, with JSON tags so it can be loaded with -c config.json
// the way the teacher's client and server binaries do.
type Config struct {
	Listen     string `json:"listen"`      // local UDP address to bind, e.g. ":2000"
	Remote     string `json:"remote"`      // peer address for connect mode
	ChunkSize  int    `json:"chunksize"`   // file-sharder chunk size in bytes
	SendWindow int    `json:"sndwnd"`      // sliding-window sender window size
	NoComp     bool   `json:"nocomp"`      // disable snappy compression negotiation
	Compress   bool   `json:"compress"`    // request compression be negotiated on
	ProbeMS    int    `json:"probems"`     // hole-punch probe interval, milliseconds
	PunchSecs  int    `json:"punchsecs"`   // hole-punch timeout, seconds
	TCPUpgrade bool   `json:"tcpupgrade"`  // attempt simultaneous-open TCP upgrade after clock sync
	NTPAddr    string `json:"ntpaddr"`     // external NTP server; empty uses the round-trip clock-sync protocol
	Log        string `json:"log"`        // log file path, empty logs to stderr
	SnmpLog    string `json:"snmplog"`    // session-statistics CSV path, empty disables
	SnmpPeriod int    `json:"snmpperiod"` // session-statistics logging period, seconds
	Quiet      bool   `json:"quiet"`
}

// Defaults returns a Config with the documented defaults from spec.md §6:
// local UDP port 2000, 1 MiB chunk size, window 64.
func Defaults() Config {
	return Config{
		Listen:     ":2000",
		ChunkSize:  1 << 20,
		SendWindow: 64,
		ProbeMS:    500,
		PunchSecs:  30,
		SnmpPeriod: 60,
	}
}

// Load reads and merges a JSON config file over the documented defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, werr.Wrap(err, werr.KindIO, "open config file")
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, werr.Wrap(err, werr.KindProtocol, "parse config file")
	}
	return cfg, nil
}
