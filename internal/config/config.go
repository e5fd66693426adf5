// Copyright (C) 2026 Walleye Networks. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration: ingress transports,
// plugin bindings, policy tables, tag collections, and report topics.
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"walleye.is/walleye/internal/errors"
)

// Config is the root of the daemon configuration file.
type Config struct {
	Listener  *ListenerConfig  `hcl:"listener,block"`
	NFQueue   *NFQueueConfig   `hcl:"nfqueue,block"`
	Engine    *EngineConfig    `hcl:"engine,block"`
	Reporting *ReportingConfig `hcl:"reporting,block"`

	Plugins  []PluginConfig `hcl:"plugin,block"`
	Policies []PolicyRow    `hcl:"policy,block"`
	Tags     []TagConfig    `hcl:"tag,block"`

	PolicyTable     string `hcl:"policy_table,optional"`
	Provider        string `hcl:"provider,optional"`
	ProviderPlugin  string `hcl:"provider_plugin,optional"`
	CacheIP         bool   `hcl:"cache_ip,optional"`
	Debug           bool   `hcl:"debug,optional"`
	AccTTL          int    `hcl:"ttl,optional"`
	MDNSSrcIP       string `hcl:"mdns_src_ip,optional"`
	MDNSServices    string `hcl:"mdns_services,optional"`
	DHCPOptionsFile string `hcl:"dhcp_options_file,optional"`
	TargetedDevices string `hcl:"targeted_devices,optional"`
	ExcludedDevices string `hcl:"excluded_devices,optional"`
}

// ListenerConfig binds the UDP socket ingress.
type ListenerConfig struct {
	IP   string `hcl:"ip"`
	Port int    `hcl:"port"`
}

// NFQueueConfig binds the netfilter-queue ingress. QueueNum is a single
// queue number or an "M-N" range.
type NFQueueConfig struct {
	QueueNum string `hcl:"queue_num"`
	BuffSize int    `hcl:"nfqueue_buff_size,optional"`
	Length   int    `hcl:"nfqueue_length,optional"`
}

// EngineConfig tunes the signature engine.
type EngineConfig struct {
	SignatureStore string `hcl:"signature_store,optional"`
	SandboxSize    int    `hcl:"sandbox_size,optional"`
	DictExpiry     int    `hcl:"rts_dict_expiry,optional"`
	ScanDebug      bool   `hcl:"scan_dbg_en,optional"`
}

// ReportingConfig names the off-box topics.
type ReportingConfig struct {
	Topic              string `hcl:"mqtt_v,optional"`
	BlockerTopic       string `hcl:"blk_mqtt,optional"`
	HealthTopic        string `hcl:"dpi_health_stats_topic,optional"`
	HealthIntervalSecs int    `hcl:"dpi_health_stats_interval_secs,optional"`
	WCHealthTopic      string `hcl:"wc_health_stats_topic,optional"`
	WCHealthInterval   int    `hcl:"wc_health_stats_interval_secs,optional"`
}

// PluginConfig binds one DPI plugin into the dispatcher.
type PluginConfig struct {
	Name            string `hcl:"name,label"`
	PolicyTable     string `hcl:"policy_table,optional"`
	TargetedDevices string `hcl:"targeted_devices,optional"`
	ExcludedDevices string `hcl:"excluded_devices,optional"`
}

// TagConfig is one named device/value collection.
type TagConfig struct {
	Name    string   `hcl:"name,label"`
	Members []string `hcl:"members"`
}

// PolicyRow is one policy rule as provisioned. Operator strings follow the
// schema: in, out, true plus the fqdn forms sfr_in, sfl_in, wild_in and
// their _out pairs; risk operators are eq, neq, gt, lt, gte, lte.
type PolicyRow struct {
	Table string `hcl:"table,label"`
	Name  string `hcl:"name,label"`
	Idx   int    `hcl:"idx"`

	MACOp string   `hcl:"mac_op,optional"`
	MACs  []string `hcl:"macs,optional"`

	FQDNOp string   `hcl:"fqdn_op,optional"`
	FQDNs  []string `hcl:"fqdns,optional"`

	CatOp      string `hcl:"fqdncat_op,optional"`
	Categories []int  `hcl:"categories,optional"`

	RiskOp    string `hcl:"risk_op,optional"`
	RiskLevel int    `hcl:"risk_level,optional"`

	IPOp    string   `hcl:"ipaddr_op,optional"`
	IPAddrs []string `hcl:"ipaddrs,optional"`

	AppOp string   `hcl:"app_op,optional"`
	Apps  []string `hcl:"apps,optional"`

	Action    string            `hcl:"action,optional"`
	Log       string            `hcl:"log,optional"`
	Redirects []string          `hcl:"redirects,optional"`
	Other     map[string]string `hcl:"other_config,optional"`
	NextTable string            `hcl:"next_table,optional"`
}

// Load reads and decodes a configuration file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrap(err, errors.KindValidation, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Listener == nil && c.NFQueue == nil {
		return errors.New(errors.KindValidation, "no ingress configured: need a listener or nfqueue block")
	}
	if c.Listener != nil {
		if c.Listener.Port <= 0 || c.Listener.Port > 65535 {
			return errors.Errorf(errors.KindValidation, "listener port %d out of range", c.Listener.Port)
		}
	}
	if c.NFQueue != nil {
		if _, _, err := c.NFQueue.Range(); err != nil {
			return err
		}
	}
	for _, row := range c.Policies {
		if row.Idx < 0 {
			return errors.Errorf(errors.KindValidation, "policy %s/%s: negative idx", row.Table, row.Name)
		}
	}
	return nil
}

// Range parses the queue_num field into an inclusive queue range.
func (n *NFQueueConfig) Range() (first, last uint16, err error) {
	spec := strings.TrimSpace(n.QueueNum)
	lo, hi, found := strings.Cut(spec, "-")
	loN, errLo := strconv.Atoi(lo)
	if errLo != nil || loN < 0 || loN > 65535 {
		return 0, 0, errors.Errorf(errors.KindValidation, "bad queue_num %q", n.QueueNum)
	}
	if !found {
		return uint16(loN), uint16(loN), nil
	}
	hiN, errHi := strconv.Atoi(hi)
	if errHi != nil || hiN < loN || hiN > 65535 {
		return 0, 0, errors.Errorf(errors.KindValidation, "bad queue_num range %q", n.QueueNum)
	}
	return uint16(loN), uint16(hiN), nil
}

// OtherConfig flattens the recognized string-keyed settings, the surface the
// management plane reads and writes.
func (c *Config) OtherConfig() map[string]string {
	out := map[string]string{}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("policy_table", c.PolicyTable)
	set("provider", c.Provider)
	set("provider_plugin", c.ProviderPlugin)
	set("mdns_src_ip", c.MDNSSrcIP)
	set("targeted_devices", c.TargetedDevices)
	set("excluded_devices", c.ExcludedDevices)
	if c.CacheIP {
		out["cache_ip"] = "true"
	}
	if c.Debug {
		out["debug"] = "true"
	}
	if c.AccTTL > 0 {
		out["ttl"] = strconv.Itoa(c.AccTTL)
	}
	if c.Reporting != nil {
		set("mqtt_v", c.Reporting.Topic)
		set("blk_mqtt", c.Reporting.BlockerTopic)
		set("dpi_health_stats_topic", c.Reporting.HealthTopic)
		if c.Reporting.HealthIntervalSecs > 0 {
			out["dpi_health_stats_interval_secs"] = strconv.Itoa(c.Reporting.HealthIntervalSecs)
		}
	}
	if c.Engine != nil {
		if c.Engine.SandboxSize > 0 {
			out["sandbox_size"] = strconv.Itoa(c.Engine.SandboxSize)
		}
		if c.Engine.DictExpiry > 0 {
			out["rts_dict_expiry"] = strconv.Itoa(c.Engine.DictExpiry)
		}
		if c.Engine.ScanDebug {
			out["scan_dbg_en"] = "true"
		}
	}
	if c.NFQueue != nil {
		set("queue_num", c.NFQueue.QueueNum)
	}
	return out
}

// String renders a compact description for startup logging.
func (c *Config) String() string {
	ingress := "none"
	if c.Listener != nil {
		ingress = fmt.Sprintf("socket %s:%d", c.Listener.IP, c.Listener.Port)
	}
	if c.NFQueue != nil {
		ingress = fmt.Sprintf("nfqueue %s", c.NFQueue.QueueNum)
	}
	return fmt.Sprintf("ingress=%s plugins=%d policies=%d", ingress, len(c.Plugins), len(c.Policies))
}
