// Package config implements robin's configuration provider.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"

	"gopkg.in/yaml.v2"
)

// Config holds robin's full runtime configuration. It is loaded from a
// YAML file, then merged with command-line overrides (also YAML).
type Config struct {
	Hostname string `yaml:"hostname"`

	MaxDataSizeMb int64 `yaml:"max_data_size_mb"`

	SmtpAddress              []string `yaml:"smtp_address"`
	SubmissionAddress        []string `yaml:"submission_address"`
	SubmissionOverTlsAddress []string `yaml:"submission_over_tls_address"`
	LmtpAddress              []string `yaml:"lmtp_address"`
	MonitoringAddress        string   `yaml:"monitoring_address"`

	MailDeliveryAgentBin  string   `yaml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `yaml:"mail_delivery_agent_args"`

	// MaildirBase, if set, delivers local mail into Maildir-style
	// mailboxes under this directory instead of invoking the MDA binary.
	MaildirBase string `yaml:"maildir_base"`

	DataDir string `yaml:"data_dir"`

	SuffixSeparators string `yaml:"suffix_separators"`
	DropCharacters   string `yaml:"drop_characters"`

	MailLogPath string `yaml:"mail_log_path"`

	DovecotAuth       bool   `yaml:"dovecot_auth"`
	DovecotUserdbPath string `yaml:"dovecot_userdb_path"`
	DovecotClientPath string `yaml:"dovecot_client_path"`

	HaproxyIncoming bool `yaml:"haproxy_incoming"`

	MaxQueueItems   int64  `yaml:"max_queue_items"`
	GiveUpSendAfter string `yaml:"give_up_send_after"`

	// Queue holds the durable retry queue's backend selection and the
	// cron's scheduling parameters.
	Queue QueueConfig `yaml:"queue"`

	// Processors configures the storage-processor chain (AV, spam,
	// webhooks).
	Processors ProcessorsConfig `yaml:"processors"`

	// Proxy lists the ordered ProxyRules consulted on RCPT.
	Proxy []ProxyRuleConfig `yaml:"proxy_rules"`

	// Bots lists the BotBindings consulted on RCPT.
	Bots []BotBindingConfig `yaml:"bot_bindings"`

	// Scenarios lists forced-response scenarios, consulted before the
	// webhook/processor path. For staging and debugging.
	Scenarios []ScenarioConfig `yaml:"scenarios"`

	// Security configures outbound MX delivery (DANE/MTA-STS behavior).
	Security SecurityConfig `yaml:"security"`
}

// QueueConfig selects and configures the durable retry queue backend.
type QueueConfig struct {
	// Backend is one of "bolt", "redis", "sql", "memory". Defaults to
	// "bolt".
	Backend string `yaml:"backend"`

	BoltPath string `yaml:"bolt_path"`

	RedisAddr string `yaml:"redis_addr"`
	RedisKey  string `yaml:"redis_key"`
	RedisDB   int    `yaml:"redis_db"`

	SQLDriver string `yaml:"sql_driver"`
	SQLDSN    string `yaml:"sql_dsn"`
	SQLTable  string `yaml:"sql_table"`

	// Cron scheduling.
	PeriodSeconds       int64 `yaml:"period_seconds"`
	InitialDelaySeconds int64 `yaml:"initial_delay_seconds"`
	MaxDequeuePerTick   int64 `yaml:"max_dequeue_per_tick"`

	// Backoff parameters, see backoff(n) in internal/queue.
	FirstWaitMinutes float64 `yaml:"first_wait_minutes"`
	GrowthFactor     float64 `yaml:"growth_factor"`
	MaxRetries       int64   `yaml:"max_retries"`
}

// ProcessorsConfig configures the AV/spam storage processors.
type ProcessorsConfig struct {
	AVAddr          string `yaml:"av_addr"`
	AVPolicy        string `yaml:"av_policy"` // "reject" or "discard"
	SpamAddr        string `yaml:"spam_addr"`
	SpamThreshold   float64 `yaml:"spam_threshold"`
	SpamPolicy      string `yaml:"spam_policy"` // "reject" or "discard"
	WebhookURL      string `yaml:"webhook_url"`
	WebhookRawURL   string `yaml:"webhook_raw_url"`
	WebhookIgnoreErrors bool `yaml:"webhook_ignore_errors"`
	WebhookWaitForResponse bool `yaml:"webhook_wait_for_response"`
}

// ProxyRuleConfig is the YAML form of a spec ProxyRule.
type ProxyRuleConfig struct {
	RcptPattern     string `yaml:"rcpt_pattern"`
	MailPattern     string `yaml:"mail_pattern"`
	EhloPattern     string `yaml:"ehlo_pattern"`
	IPPattern       string `yaml:"ip_pattern"`
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	Protocol        string `yaml:"protocol"` // smtp, esmtp, lmtp
	TLS             bool   `yaml:"tls"`
	NonMatchAction  string `yaml:"non_match_action"` // none, accept, reject
}

// BotBindingConfig is the YAML form of a spec BotBinding.
type BotBindingConfig struct {
	AddressPattern string   `yaml:"address_pattern"`
	AllowedIPs     []string `yaml:"allowed_ips"`
	AllowedTokens  []string `yaml:"allowed_tokens"`
	BotName        string   `yaml:"bot_name"`
}

// ScenarioConfig is the YAML form of a forced-response scenario.
type ScenarioConfig struct {
	Verb           string `yaml:"verb"`            // MAIL, RCPT, DATA; empty = any
	AddressPattern string `yaml:"address_pattern"` // empty = any
	Response       string `yaml:"response"`        // "<code> <text>"
	DelayMs        int64  `yaml:"delay_ms"`
}

// SecurityConfig configures outbound DANE/MTA-STS behavior.
type SecurityConfig struct {
	EnableDANE    bool `yaml:"enable_dane"`
	EnableMTASTS  bool `yaml:"enable_mta_sts"`
	STSCachePath  string `yaml:"sts_cache_path"`
}

func defaultConfig() *Config {
	return &Config{
		MaxDataSizeMb: 50,

		SmtpAddress:              []string{"systemd"},
		SubmissionAddress:        []string{"systemd"},
		SubmissionOverTlsAddress: []string{"systemd"},

		MailDeliveryAgentBin:  "maildrop",
		MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

		DataDir: "/var/lib/robin",

		SuffixSeparators: "+",
		DropCharacters:   ".",

		MailLogPath: "<syslog>",

		MaxQueueItems:   200,
		GiveUpSendAfter: "20h",

		Queue: QueueConfig{
			Backend:             "bolt",
			BoltPath:            "queue.db",
			RedisKey:            "robin:queue",
			SQLDriver:           "sqlite",
			SQLTable:            "relay_jobs",
			PeriodSeconds:       60,
			InitialDelaySeconds: 10,
			MaxDequeuePerTick:   50,
			FirstWaitMinutes:    1,
			GrowthFactor:        1.2,
			MaxRetries:          30,
		},

		Processors: ProcessorsConfig{
			AVPolicy:      "reject",
			SpamThreshold: 7.0,
			SpamPolicy:    "reject",
		},

		Security: SecurityConfig{
			EnableDANE:   true,
			EnableMTASTS: true,
			STSCachePath: "sts-cache",
		},
	}
}

// Load the config from the given file, with optional YAML overrides
// (usually from a command-line flag).
func Load(path string, overrides ...string) (*Config, error) {
	c := defaultConfig()

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}

	for _, o := range overrides {
		if o == "" {
			continue
		}
		if err := yaml.Unmarshal([]byte(o), c); err != nil {
			return nil, fmt.Errorf("parsing override: %v", err)
		}
	}

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}

	return c, nil
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  SMTP Addresses: %q", c.SmtpAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTlsAddress)
	log.Infof("  LMTP Addresses: %q", c.LmtpAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Maildir base: %q", c.MaildirBase)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Dovecot auth: %v (%q, %q)",
		c.DovecotAuth, c.DovecotUserdbPath, c.DovecotClientPath)
	log.Infof("  HAProxy incoming: %v", c.HaproxyIncoming)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
	log.Infof("  Queue backend: %q", c.Queue.Backend)
	log.Infof("  Proxy rules: %d", len(c.Proxy))
	log.Infof("  Bot bindings: %d", len(c.Bots))
	log.Infof("  DANE enabled: %v, MTA-STS enabled: %v",
		c.Security.EnableDANE, c.Security.EnableMTASTS)
}

// GiveUpSendAfterDuration parses GiveUpSendAfter, which was already
// validated by Load.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}
