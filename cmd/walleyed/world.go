// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"time"

	"walleye.is/walleye/internal/cache"
	"walleye.is/walleye/internal/classify"
	"walleye.is/walleye/internal/config"
	"walleye.is/walleye/internal/dispatch"
	"walleye.is/walleye/internal/flow"
	"walleye.is/walleye/internal/logging"
	"walleye.is/walleye/internal/metrics"
	"walleye.is/walleye/internal/packet"
	"walleye.is/walleye/internal/plugins/dhcprelay"
	"walleye.is/walleye/internal/plugins/dnsattr"
	"walleye.is/walleye/internal/plugins/mdnsresp"
	"walleye.is/walleye/internal/plugins/neigh"
	"walleye.is/walleye/internal/plugins/sniattr"
	"walleye.is/walleye/internal/policy"
	"walleye.is/walleye/internal/report"
	"walleye.is/walleye/internal/sigload"
)

const defaultHealthInterval = 120 * time.Second

// World holds the process-global DPI state: the engine handle, the plugin
// registry, the flow store, the policy engine and the caches. Constructed
// once at startup; everything runs on the event-loop goroutine except the
// ingress sockets, which feed it.
type World struct {
	cfg *config.Config

	Engine     classify.Engine
	Store      *flow.Store
	Dispatcher *dispatch.Dispatcher
	Classifier *classify.Plugin
	Policies   *policy.Engine
	Verdicts   *cache.VerdictCache
	GkCache    *cache.GatekeeperCache
	Neighbors  *neigh.Table
	Loader     *sigload.Loader
	Emitter    *report.Emitter
	Metrics    *metrics.Collector

	DNS  *dnsattr.Plugin
	SNI  *sniattr.Plugin
	NDP  *neigh.Plugin
	MDNS *mdnsresp.Plugin
	DHCP *dhcprelay.Plugin

	healthInterval time.Duration
	logger         *logging.Logger
}

// NewWorld assembles the pipeline from a loaded configuration.
func NewWorld(cfg *config.Config, engine classify.Engine, transport report.Transport) (*World, error) {
	logger := logging.WithComponent("walleyed")

	accTTL := flow.DefaultAccTTL
	if cfg.AccTTL > 0 {
		accTTL = time.Duration(cfg.AccTTL) * time.Second
	}

	w := &World{
		cfg:            cfg,
		Engine:         engine,
		Store:          flow.NewStore(accTTL),
		Verdicts:       cache.New(),
		GkCache:        cache.NewGatekeeper(),
		Neighbors:      neigh.NewTable(0),
		healthInterval: defaultHealthInterval,
		logger:         logger,
	}

	// Policy engine and device tags.
	w.Policies = policy.NewEngine(nil)
	for _, tag := range cfg.Tags {
		w.Policies.Tags().Set(tag.Name, tag.Members)
	}
	for _, table := range cfg.PolicyTables() {
		w.Policies.UpdateTable(table)
	}
	w.Policies.SetCacheLookup(cache.PolicyLookup(w.Verdicts))

	// Dispatcher over the flow store, device filters through the tag
	// registry.
	w.Dispatcher = dispatch.NewDispatcher(w.Store, w.Policies.Tags().MACInValue)

	// Signature plugin plus its attribute clients. A plugin block may
	// narrow the session-wide device filters.
	targeted, excluded := cfg.TargetedDevices, cfg.ExcludedDevices
	for _, pc := range cfg.Plugins {
		if pc.Name != "walleye_dpi" {
			continue
		}
		if pc.TargetedDevices != "" {
			targeted = pc.TargetedDevices
		}
		if pc.ExcludedDevices != "" {
			excluded = pc.ExcludedDevices
		}
	}
	w.Classifier = classify.NewPlugin("walleye_dpi", engine, targeted, excluded)
	if cfg.Engine != nil {
		w.Classifier.ScanDbgEnable = cfg.Engine.ScanDebug
	}
	w.Classifier.SetReportMarker(w.Store.MarkForReport)

	w.Emitter = report.NewEmitter(transport)
	if cfg.Reporting != nil {
		w.Emitter.Topic = cfg.Reporting.Topic
		w.Emitter.BlockerTopic = cfg.Reporting.BlockerTopic
		w.Emitter.HealthTopic = cfg.Reporting.HealthTopic
		if cfg.Reporting.HealthIntervalSecs > 0 {
			w.healthInterval = time.Duration(cfg.Reporting.HealthIntervalSecs) * time.Second
		}
	}

	tableName := cfg.PolicyTable
	if tableName == "" {
		tableName = "default"
	}
	pluginTable := func(name string) string {
		for _, pc := range cfg.Plugins {
			if pc.Name == name && pc.PolicyTable != "" {
				return pc.PolicyTable
			}
		}
		return tableName
	}

	w.DNS = dnsattr.New(w.Policies, pluginTable("dpi_dns"), w.Verdicts, w.Emitter)
	w.DNS.SetUpdateTag(w.dnsUpdateTag)
	w.SNI = sniattr.New(w.Policies, pluginTable("dpi_sni"), w.Verdicts, w.GkCache, w.Emitter)
	w.NDP = neigh.New(w.Neighbors)

	w.Classifier.SetAppCheck(w.SNI.AppCheck)
	w.Classifier.RegisterClient(w.DNS)
	w.Classifier.RegisterClient(w.SNI)
	w.Classifier.RegisterClient(w.NDP)

	if cfg.MDNSServices != "" {
		announcements, err := mdnsresp.LoadAnnouncements(cfg.MDNSServices)
		if err != nil {
			logger.WithError(err).Warn("mdns announcements unavailable")
		} else {
			var sender mdnsresp.Sender
			if cfg.MDNSSrcIP != "" {
				if ms, err := mdnsresp.NewMulticastSender(cfg.MDNSSrcIP); err == nil {
					sender = ms
				} else {
					logger.WithError(err).Warn("mdns responder socket unavailable")
				}
			}
			w.MDNS = mdnsresp.New(announcements, sender)
			w.Classifier.RegisterClient(w.MDNS)
		}
	}

	if cfg.DHCPOptionsFile != "" {
		opts, err := dhcprelay.LoadOptions(cfg.DHCPOptionsFile)
		if err != nil {
			logger.WithError(err).Warn("dhcp relay options unavailable")
		} else {
			w.DHCP = dhcprelay.New(opts)
			w.Classifier.RegisterClient(w.DHCP)
		}
	}

	w.Dispatcher.Register(w.Classifier)

	// Signature loading and store watch.
	store := "/usr/walleye/store"
	if cfg.Engine != nil && cfg.Engine.SignatureStore != "" {
		store = cfg.Engine.SignatureStore
	}
	w.Loader = sigload.NewLoader(store, engine, w.Classifier)

	w.Metrics = metrics.NewCollector(w.Dispatcher, w.Store, w.Classifier, engine, w.Policies, w.Verdicts)

	return w, nil
}

// dnsUpdateTag feeds resolved addresses into the named device tags after an
// update_tag verdict, so subsequent IP rules can match on them.
func (w *World) dnsUpdateTag(mac [6]byte, reply *policy.Reply, resp policy.DNSResponse) {
	if reply.UpdateV4Tag != "" && len(resp.IPv4Addrs) > 0 {
		members := append(w.Policies.Tags().Members(reply.UpdateV4Tag), resp.IPv4Addrs...)
		w.Policies.Tags().Set(reply.UpdateV4Tag, members)
	}
	if reply.UpdateV6Tag != "" && len(resp.IPv6Addrs) > 0 {
		members := append(w.Policies.Tags().Members(reply.UpdateV6Tag), resp.IPv6Addrs...)
		w.Policies.Tags().Set(reply.UpdateV6Tag, members)
	}
	w.logger.Debug("updated dns tags", "device", packet.MACString(mac),
		"v4_tag", reply.UpdateV4Tag, "v6_tag", reply.UpdateV6Tag)
}

// Periodic runs one maintenance tick: emit health stats with the window's
// reportable flows, close the observation window, expire idle flows, and
// clean the caches and the neighbor table.
func (w *World) Periodic(now time.Time) {
	flows := w.Store.Reportable()
	w.Emitter.SendHealthStats(w.Engine.Usage(), w.Classifier, flows)
	w.Store.CloseWindow()

	removed := w.Store.FreeInactive(now)
	if removed > 0 {
		w.logger.Debug("expired idle flows", "count", removed)
	}
	w.Verdicts.PeriodicCleanup()
	w.GkCache.PeriodicCleanup()
	w.Neighbors.PeriodicCleanup()
}

// HealthInterval returns the configured maintenance cadence.
func (w *World) HealthInterval() time.Duration { return w.healthInterval }
