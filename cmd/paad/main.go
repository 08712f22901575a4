/*
Copyright 2026 jr42.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Command paad runs the prefix-assignment daemon: it wires the PAA
// reconciliation engine to a real DHCPv6-PD client, a router-advertisement
// listener, and SQLite-backed stable storage.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/prefixassign/paad/internal/engine"
	"github.com/prefixassign/paad/internal/kernel"
	"github.com/prefixassign/paad/internal/localprefix"
	"github.com/prefixassign/paad/internal/rid"
	"github.com/prefixassign/paad/internal/storage"
	"github.com/prefixassign/paad/internal/upstream"
)

// config carries every flag-bound tunable, mirroring the teacher's
// convention of a single typed struct populated by cobra flags rather
// than scattered package globals.
type config struct {
	routerID    string
	policy      string
	storagePath string

	floodingDelay time.Duration
	shortDelay    time.Duration

	ulaEnabled      bool
	ulaRandomPlen   int
	ipv4Enabled     bool
	ipv4DefaultCIDR string
	localValid      time.Duration
	localPreferred  time.Duration
	localUpdateDelay time.Duration

	dhcpv6PDIfaces []string
	raIfaces       []string
	pdHintBits     int
}

func main() {
	cfg := &config{}
	root := newRootCommand(cfg)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(cfg *config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "paad",
		Short: "Prefix assignment daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfg.routerID, "router-id", "", "32-hex-digit router id (random if unset)")
	flags.StringVar(&cfg.policy, "ownership-policy", "pfister", "ownership tie-break policy: pfister or arkko")
	flags.StringVar(&cfg.storagePath, "storage-path", "", "path to the sqlite stable-storage database (in-memory if unset)")

	flags.DurationVar(&cfg.floodingDelay, "flooding-delay", 2*time.Second, "network convergence constant; prefix assignment and local prefix creation wait twice this long")
	flags.DurationVar(&cfg.shortDelay, "scheduler-short-delay", 200*time.Millisecond, "coalescing delay for the scheduler's short wake-up")

	flags.BoolVar(&cfg.ulaEnabled, "ula-enabled", true, "locally generate a ULA prefix when no delegated prefix is available")
	flags.IntVar(&cfg.ulaRandomPlen, "ula-random-bits", 48, "prefix length of the randomly generated ULA")
	flags.BoolVar(&cfg.ipv4Enabled, "ipv4-enabled", false, "locally generate an IPv4 prefix when an IPv4 uplink is present")
	flags.StringVar(&cfg.ipv4DefaultCIDR, "ipv4-default-prefix", "10.0.0.0/8", "base prefix the IPv4 generator carves from")
	flags.DurationVar(&cfg.localValid, "local-valid", time.Hour, "valid lifetime assigned to locally generated prefixes")
	flags.DurationVar(&cfg.localPreferred, "local-preferred", 30*time.Minute, "preferred lifetime assigned to locally generated prefixes")
	flags.DurationVar(&cfg.localUpdateDelay, "local-update-delay", 5*time.Second, "how long before its valid lifetime ends a locally generated prefix is refreshed")

	flags.StringSliceVar(&cfg.dhcpv6PDIfaces, "dhcpv6-pd-listen", nil, "interfaces to run an active DHCPv6-PD client on")
	flags.StringSliceVar(&cfg.raIfaces, "ra-listen", nil, "interfaces to passively listen for router advertisements on")
	flags.IntVar(&cfg.pdHintBits, "dhcpv6-pd-hint-bits", 56, "requested delegated prefix length hint")

	return cmd
}

func run(ctx context.Context, cfg *config) error {
	log, undo, err := newLogger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer undo()

	our, err := routerID(cfg.routerID)
	if err != nil {
		return fmt.Errorf("router id: %w", err)
	}
	log.Info("starting", "router_id", our.String())

	policy, err := ownershipPolicy(cfg.policy)
	if err != nil {
		return err
	}

	store, closeStore, err := openStorage(cfg.storagePath)
	if err != nil {
		return fmt.Errorf("open stable storage: %w", err)
	}
	defer closeStore()

	ipv4Default, err := netip.ParsePrefix(cfg.ipv4DefaultCIDR)
	if err != nil {
		return fmt.Errorf("parse ipv4-default-prefix: %w", err)
	}

	eng := engine.New(engine.Config{
		Our:                 our,
		FloodingDelay:       cfg.floodingDelay,
		SchedulerShortDelay: cfg.shortDelay,
		Policy:              policy,
		Local: localprefix.Config{
			FloodingDelay:    cfg.floodingDelay,
			LocalValid:       cfg.localValid,
			LocalPreferred:   cfg.localPreferred,
			LocalUpdateDelay: cfg.localUpdateDelay,
			ULAEnabled:       cfg.ulaEnabled,
			ULARandomPlen:    cfg.ulaRandomPlen,
			IPv4Enabled:      cfg.ipv4Enabled,
			IPv4DefaultPrefix: ipv4Default,
		},
	}, store, loggingFloodSink{log: log}, loggingIfaceSink{log: log}, log)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	feed, err := buildFeed(cfg, log)
	if err != nil {
		return fmt.Errorf("build upstream feed: %w", err)
	}
	if feed != nil {
		if err := feed.Start(ctx); err != nil {
			return fmt.Errorf("start upstream feed: %w", err)
		}
		defer func() { _ = feed.Stop() }()
		go upstream.Pump(ctx, feed, eng, log)
	}

	return eng.Run(ctx)
}

func newLogger() (logr.Logger, func(), error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = "console"
	zl, err := zc.Build()
	if err != nil {
		return logr.Logger{}, nil, err
	}
	return zapr.NewLogger(zl), func() { _ = zl.Sync() }, nil
}

func routerID(hexStr string) (rid.ID, error) {
	if hexStr == "" {
		u := uuid.New()
		return rid.FromBytes(u[:])
	}
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return rid.ID{}, fmt.Errorf("decode router id: %w", err)
	}
	return rid.FromBytes(b)
}

func ownershipPolicy(name string) (kernel.OwnershipPolicy, error) {
	switch name {
	case "pfister", "":
		return kernel.PfisterPolicy{}, nil
	case "arkko":
		return kernel.ArkkoPolicy{}, nil
	default:
		return nil, fmt.Errorf("unknown ownership policy %q (want pfister or arkko)", name)
	}
}

func openStorage(path string) (engine.StableStorage, func(), error) {
	if path == "" {
		return storage.NewMemory(), func() {}, nil
	}
	db, err := storage.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return db, func() { _ = db.Close() }, nil
}

// buildFeed wires one Receiver per configured interface into a single
// upstream.Feed, the daemon's one glue goroutine source.
func buildFeed(cfg *config, log logr.Logger) (*upstream.Feed, error) {
	var receivers []upstream.Receiver
	for _, iface := range cfg.dhcpv6PDIfaces {
		receivers = append(receivers, upstream.NewDHCPv6PD(iface, cfg.pdHintBits, log))
	}
	for _, iface := range cfg.raIfaces {
		receivers = append(receivers, upstream.NewRA(iface, log))
	}
	if len(receivers) == 0 {
		return nil, nil
	}
	return upstream.NewFeed(receivers...), nil
}

// loggingFloodSink and loggingIfaceSink stand in for the wire-format
// flooding transport and interface-configuration layer, both explicitly
// out of scope (Non-goals): they just log what would otherwise be flooded
// or pushed down to the kernel's interface configuration.
type loggingFloodSink struct{ log logr.Logger }

func (s loggingFloodSink) UpdatedLAP(p netip.Prefix, ifname string, toDelete bool) {
	s.log.V(1).Info("flood updated_lap", "prefix", p, "iface", ifname, "delete", toDelete)
}

func (s loggingFloodSink) UpdatedLDP(p netip.Prefix, excluded *netip.Prefix, ifname string, validUntil, preferredUntil time.Time, dhcp []byte) {
	s.log.V(1).Info("flood updated_ldp", "prefix", p, "iface", ifname, "valid_until", validUntil)
}

type loggingIfaceSink struct{ log logr.Logger }

func (s loggingIfaceSink) UpdatePrefix(p netip.Prefix, ifname string, validUntil, preferredUntil time.Time, dhcp []byte) {
	s.log.Info("iface update_prefix", "prefix", p, "iface", ifname, "valid_until", validUntil)
}

func (s loggingIfaceSink) UpdateLinkOwner(ifname string, doDHCP bool) {
	s.log.Info("iface update_link_owner", "iface", ifname, "do_dhcp", doDHCP)
}
