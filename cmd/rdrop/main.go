// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/rdrop-io/rdrop/internal/config"
	"github.com/rdrop-io/rdrop/internal/handshake"
	"github.com/rdrop-io/rdrop/internal/orchestrator"
	"github.com/rdrop-io/rdrop/internal/snmplog"
	"github.com/rdrop-io/rdrop/internal/transport/slidingwindow"
)

// VERSION is injected by buildflags.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	app := cli.NewApp()
	app.Name = "rdrop"
	app.Usage = "peer-to-peer file transfer over hole-punched, encrypted UDP"
	app.Version = VERSION

	commonFlags := []cli.Flag{
		cli.StringFlag{Name: "c", Usage: "config file (json)"},
		cli.StringFlag{Name: "log", Usage: "log file path, default stderr"},
		cli.StringFlag{Name: "snmplog", Usage: "session-statistics csv path"},
		cli.IntFlag{Name: "snmpperiod", Value: 60, Usage: "session-statistics logging period, seconds"},
		cli.BoolFlag{Name: "nocomp", Usage: "disable compression negotiation"},
		cli.BoolFlag{Name: "compress", Usage: "request compression be negotiated on"},
		cli.BoolFlag{Name: "tcpupgrade", Usage: "attempt simultaneous-open TCP upgrade after clock sync"},
		cli.BoolFlag{Name: "quiet"},
	}

	app.Commands = []cli.Command{
		{
			Name:  "listen",
			Usage: "bind a local UDP port and wait for a peer to punch through",
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "local", Value: ":2000", Usage: "local UDP address to bind"},
				cli.StringFlag{Name: "remote", Usage: "peer address (known out-of-band, e.g. from a rendezvous exchange)"},
			}, commonFlags...),
			Action: func(c *cli.Context) error { return runSession(c, c.String("local"), c.String("remote")) },
		},
		{
			Name:  "connect",
			Usage: "dial a known peer address and punch a hole toward it",
			Flags: append([]cli.Flag{
				cli.StringFlag{Name: "local", Value: ":0", Usage: "local UDP address to bind"},
				cli.StringFlag{Name: "remote", Usage: "peer address to connect to"},
			}, commonFlags...),
			Action: func(c *cli.Context) error { return runSession(c, c.String("local"), c.String("remote")) },
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}

// runSession establishes one connection and then drives an interactive
// command loop over stdin mapping to offer_file/accept_file/deny_file/
// stop_file, per spec.md §6's CLI surface — the orchestrator's UI side.
func runSession(c *cli.Context, local, remote string) error {
	cfg, err := config.Load(c.String("c"))
	if err != nil {
		return err
	}
	applyFlagOverrides(c, &cfg)
	if local != "" {
		cfg.Listen = local
	}
	if remote != "" {
		cfg.Remote = remote
	}

	logOutput := os.Stderr
	if cfg.Log != "" {
		f, err := os.OpenFile(cfg.Log, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		defer f.Close()
		log.SetOutput(f)
	} else {
		log.SetOutput(logOutput)
	}

	conn, err := net.ListenPacket("udp", cfg.Listen)
	if err != nil {
		return err
	}
	defer conn.Close()

	remoteAddr, err := net.ResolveUDPAddr("udp", cfg.Remote)
	if err != nil {
		return err
	}

	hcfg := handshake.Config{
		ProbeInterval: time.Duration(cfg.ProbeMS) * time.Millisecond,
		PunchTimeout:  time.Duration(cfg.PunchSecs) * time.Second,
	}

	ctx := context.Background()
	waiting := handshake.NewWaiting(conn, remoteAddr, hcfg)

	printStatus("punching hole to %s ...", cfg.Remote)
	punched, err := waiting.PunchHoles(ctx)
	if err != nil {
		return err
	}
	roleChosen, err := punched.ChooseRole(ctx)
	if err != nil {
		return err
	}

	wantCompress := cfg.Compress && !cfg.NoComp
	compress, err := roleChosen.NegotiateCompression(ctx, wantCompress)
	if err != nil {
		return err
	}

	secured, err := roleChosen.ExchangeKeys(ctx, compress)
	if err != nil {
		return err
	}
	printStatus("secured connection established, role=%s", secured.Role())
	if compress {
		printStatus("compression negotiated on")
	}

	var clockSource handshake.TimeSource = handshake.RoundTripSource{}
	if cfg.NTPAddr != "" {
		clockSource = handshake.NTPSource{Addr: cfg.NTPAddr}
	}
	if err := secured.SyncClock(ctx, clockSource); err != nil {
		printStatus("clock sync unavailable: %v", err)
	}

	upgradedTCP := false
	if cfg.TCPUpgrade {
		if upgraded, err := secured.UpgradeTCP(ctx, cfg.Listen, 0, 0); err != nil {
			printStatus("tcp upgrade skipped: %v", err)
		} else {
			secured = upgraded
			upgradedTCP = true
			printStatus("upgraded to tcp")
		}
	}
	if !upgradedTCP {
		if err := secured.UpgradeBulk(slidingwindow.Config{Window: cfg.SendWindow}); err != nil {
			printStatus("sliding-window upgrade skipped, staying on udp stop-and-wait: %v", err)
		} else {
			printStatus("upgraded to sliding-window transport")
		}
	}

	active := secured.ActiveClient()
	counters := &snmplog.Counters{}
	stopSnmp := make(chan struct{})
	defer close(stopSnmp)
	go snmplog.Run(stopSnmp, cfg.SnmpLog, time.Duration(cfg.SnmpPeriod)*time.Second, counters)

	orch := orchestrator.New(active, orchestrator.Config{ChunkSize: cfg.ChunkSize}, counters)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go orch.RunRetryLoop(runCtx)
	go printEvents(orch, c.Bool("quiet"))

	go func() {
		if err := orch.Run(runCtx); err != nil {
			printStatus("session ended: %v", err)
		}
		cancel()
	}()

	commandLoop(runCtx, orch)
	return nil
}

func applyFlagOverrides(c *cli.Context, cfg *config.Config) {
	if c.IsSet("log") {
		cfg.Log = c.String("log")
	}
	if c.IsSet("snmplog") {
		cfg.SnmpLog = c.String("snmplog")
	}
	if c.IsSet("snmpperiod") {
		cfg.SnmpPeriod = c.Int("snmpperiod")
	}
	if c.Bool("nocomp") {
		cfg.NoComp = true
	}
	if c.Bool("compress") {
		cfg.Compress = true
	}
	if c.Bool("tcpupgrade") {
		cfg.TCPUpgrade = true
	}
	if c.Bool("quiet") {
		cfg.Quiet = true
	}
}

// commandLoop reads "offer <path>", "accept <hash> <path>", "deny <hash>",
// "stop <hash>", and "quit" lines from stdin until EOF or ctx is done.
func commandLoop(ctx context.Context, orch *orchestrator.Orchestrator) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if err := runCommand(ctx, orch, line); err != nil {
				fmt.Fprintln(os.Stderr, color.RedString("command failed: %v", err))
			}
		}
	}
}

func runCommand(ctx context.Context, orch *orchestrator.Orchestrator, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "offer":
		if len(fields) != 2 {
			return fmt.Errorf("usage: offer <path>")
		}
		return orch.OfferFile(ctx, fields[1], filepath.Base(fields[1]))
	case "accept":
		if len(fields) != 3 {
			return fmt.Errorf("usage: accept <hash> <path>")
		}
		hash, err := parseHash(fields[1])
		if err != nil {
			return err
		}
		return orch.AcceptFile(ctx, hash, fields[2])
	case "deny":
		if len(fields) != 2 {
			return fmt.Errorf("usage: deny <hash>")
		}
		hash, err := parseHash(fields[1])
		if err != nil {
			return err
		}
		return orch.DenyFile(ctx, hash)
	case "stop":
		if len(fields) != 2 {
			return fmt.Errorf("usage: stop <hash>")
		}
		hash, err := parseHash(fields[1])
		if err != nil {
			return err
		}
		return orch.StopFile(ctx, hash)
	case "quit":
		os.Exit(0)
		return nil
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
}

func parseHash(s string) ([32]byte, error) {
	var h [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return h, fmt.Errorf("malformed hash %q", s)
	}
	copy(h[:], raw)
	return h, nil
}

func printEvents(orch *orchestrator.Orchestrator, quiet bool) {
	for ev := range orch.Events() {
		if quiet {
			continue
		}
		switch ev.Kind {
		case orchestrator.EventOffer:
			fmt.Println(color.CyanString("offer: %s %x", ev.Name, ev.Hash))
		case orchestrator.EventProgress:
			fmt.Println(color.YellowString("progress: %x %.1f%%", ev.Hash, ev.Percent))
		case orchestrator.EventCompleted:
			fmt.Println(color.GreenString("completed: %s %x", ev.Name, ev.Hash))
		case orchestrator.EventCorrupted:
			fmt.Println(color.RedString("corrupted: %s %x", ev.Name, ev.Hash))
		case orchestrator.EventAborted:
			fmt.Println(color.RedString("aborted: %x", ev.Hash))
		case orchestrator.EventDisconnected:
			fmt.Println(color.RedString("disconnected: %s", ev.Status))
		case orchestrator.EventSocketFailed:
			fmt.Println(color.RedString("socket-failed: %s", ev.Status))
		}
	}
}

func printStatus(format string, args ...interface{}) {
	fmt.Println(color.New(color.FgHiBlack).Sprintf(format, args...))
}
