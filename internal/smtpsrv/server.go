// Package smtpsrv implements robin's SMTP server and connection handler.
package smtpsrv

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"net"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/auth"
	"github.com/transilvlad/robin/internal/bot"
	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/courier"
	"github.com/transilvlad/robin/internal/dkim"
	"github.com/transilvlad/robin/internal/domaininfo"
	"github.com/transilvlad/robin/internal/maillog"
	"github.com/transilvlad/robin/internal/proxyrouter"
	"github.com/transilvlad/robin/internal/queue"
	"github.com/transilvlad/robin/internal/scan"
	"github.com/transilvlad/robin/internal/scenario"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/trace"
	"github.com/transilvlad/robin/internal/userdb"
	"github.com/transilvlad/robin/internal/webhook"
	"blitiri.com.ar/go/log"
)

var (
	// Reload frequency.
	// We should consider making this a proper option if there's interest in
	// changing it, but until then, it's a test-only flag for simplicity.
	reloadEvery = flag.Duration("testing__reload_every", 30*time.Second,
		"how often to reload, ONLY FOR TESTING")
)

// Server represents an SMTP server instance.
type Server struct {
	// Main hostname, used for display only.
	Hostname string

	// Maximum data size.
	MaxDataSize int64

	// Addresses.
	addrs map[SocketMode][]string

	// Listeners (that came via systemd).
	listeners map[SocketMode][]net.Listener

	// TLS config (including loaded certificates).
	tlsConfig *tls.Config

	// Use HAProxy on incoming connections.
	HAProxyEnabled bool

	// Local domains.
	localDomains *set.String

	// User databases (per domain).
	// Authenticator.
	authr *auth.Authenticator

	// Aliases resolver.
	aliasesR *aliases.Resolver

	// Domain info database.
	dinfo *domaininfo.DB

	// Map of domain -> DKIM signers.
	dkimSigners map[string][]*dkim.Signer

	// Time before we give up on a connection, even if it's sending data.
	connTimeout time.Duration

	// Time we wait for command round-trips (excluding DATA).
	commandTimeout time.Duration

	// Queue where we put incoming mail.
	queue *queue.Queue

	// Path to the hooks.
	HookPath string

	// Storage-processor chain pieces, built by InitChain. Any of these may
	// be nil, meaning that stage is disabled.
	av            *scan.AV
	spam          *scan.Spam
	webhookClient *webhook.Client
	botDispatcher *bot.Dispatcher
	proxyRouter   *proxyrouter.Router
	scenarios     *scenario.Registry

	// maxConnsPerListener bounds concurrent handled connections per
	// listening socket; 0 (or less) means the default of 1000.
	maxConnsPerListener int
}

// NewServer returns a new empty Server.
func NewServer() *Server {
	authr := auth.NewAuthenticator()
	aliasesR := aliases.NewResolver(
		func(tr *trace.Trace, user, domain string) (bool, error) {
			return authr.Exists(user, domain)
		})
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		// Disable session tickets for now, to workaround a Microsoft bug
		// causing deliverability issues.
		//
		// See https://github.com/golang/go/issues/70232 for more details.
		//
		// This doesn't impact security, it just makes the re-establishment of
		// TLS sessions a bit slower, but for a server like robin it's not
		// going to be significant.
		//
		// Note this is not a Go-specific problem, and affects other servers
		// too (like Postfix/OpenSSL). This is a Microsoft problem that they
		// need to fix. Unfortunately, because they're quite a big provider
		// and are not very responsive in fixing their problems, we have to do
		// a workaround here.
		// TODO: Remove this once Microsoft fixes their servers.
		tlsConfig: &tls.Config{
			SessionTicketsDisabled: true,
		},

		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
		localDomains:   &set.String{},
		authr:          authr,
		aliasesR:       aliasesR,
		dkimSigners:    map[string][]*dkim.Signer{},
	}
}

// AddCerts (TLS) to the server.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds listeners for the server to listen on.
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// AddDomain adds a local domain to the server.
func (s *Server) AddDomain(d string) {
	s.localDomains.Add(d)
	s.aliasesR.AddDomain(d)
}

// AddUserDB adds a userdb file as backend for the domain.
func (s *Server) AddUserDB(domain, f string) (int, error) {
	// Load the userdb, and register it unconditionally (so reload works even
	// if there are errors right now).
	udb, err := userdb.Load(f)
	s.authr.Register(domain, auth.WrapNoErrorBackend(udb))
	return udb.Len(), err
}

// AddAliasesFile adds an aliases file for the given domain.
func (s *Server) AddAliasesFile(domain, f string) error {
	return s.aliasesR.AddAliasesFile(domain, f)
}

var (
	errDecodingPEMBlock     = fmt.Errorf("error decoding PEM block")
	errUnsupportedBlockType = fmt.Errorf("unsupported block type")
	errUnsupportedKeyType   = fmt.Errorf("unsupported key type")
)

// AddDKIMSigner for the given domain and selector.
func (s *Server) AddDKIMSigner(domain, selector, keyPath string) error {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}

	block, _ := pem.Decode(key)
	if block == nil {
		return errDecodingPEMBlock
	}

	if strings.ToUpper(block.Type) != "PRIVATE KEY" {
		return fmt.Errorf("%w: %s", errUnsupportedBlockType, block.Type)
	}

	signer, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return err
	}

	switch k := signer.(type) {
	case *rsa.PrivateKey, ed25519.PrivateKey:
		// These are supported, nothing to do.
	default:
		return fmt.Errorf("%w: %T", errUnsupportedKeyType, k)
	}

	s.dkimSigners[domain] = append(s.dkimSigners[domain], &dkim.Signer{
		Domain:   domain,
		Selector: selector,
		Signer:   signer.(crypto.Signer),
	})
	return nil
}

// SetAuthFallback sets the authentication backend to use as fallback.
func (s *Server) SetAuthFallback(be auth.Backend) {
	s.authr.Fallback = be
}

// SetAliasesConfig sets the aliases configuration options.
func (s *Server) SetAliasesConfig(suffixSep, dropChars string) {
	s.aliasesR.SuffixSep = suffixSep
	s.aliasesR.DropChars = dropChars
	s.aliasesR.ResolveHook = path.Join(s.HookPath, "alias-resolve")
}

// InitDomainInfo initializes the domain info database.
func (s *Server) InitDomainInfo(dir string) *domaininfo.DB {
	var err error
	s.dinfo, err = domaininfo.New(dir)
	if err != nil {
		log.Fatalf("Error opening domain info database: %v", err)
	}

	return s.dinfo
}

// InitQueue initializes the queue on top of the given durable backend.
func (s *Server) InitQueue(backend queue.Backend, dataDir string, localC, remoteC courier.Courier, qc config.QueueConfig) {
	s.queue = queue.New(backend, dataDir, s.localDomains, s.aliasesR, localC, remoteC, qc)
}

// InitChain builds the storage-processor chain pieces (AV, spam, webhooks,
// proxy routing, bot dispatch, scenarios) from their respective
// configuration blocks. InitQueue must be called first, since the bot
// dispatcher enqueues its replies through the server's queue.
func (s *Server) InitChain(pc config.ProcessorsConfig, proxyRules []config.ProxyRuleConfig, bots []config.BotBindingConfig, scenarios []config.ScenarioConfig, storageDir string) error {
	if pc.AVAddr != "" {
		s.av = &scan.AV{
			Addr:   pc.AVAddr,
			Policy: scan.Policy(pc.AVPolicy),
		}
	}
	if pc.SpamAddr != "" {
		s.spam = &scan.Spam{
			Addr:      pc.SpamAddr,
			Threshold: pc.SpamThreshold,
			Policy:    scan.Policy(pc.SpamPolicy),
		}
	}
	if pc.WebhookURL != "" || pc.WebhookRawURL != "" {
		s.webhookClient = &webhook.Client{
			URL:             pc.WebhookURL,
			RawURL:          pc.WebhookRawURL,
			IgnoreErrors:    pc.WebhookIgnoreErrors,
			WaitForResponse: pc.WebhookWaitForResponse,
		}
	}

	if len(proxyRules) > 0 {
		router := &proxyrouter.Router{DialTimeout: 30 * time.Second}
		for i, rc := range proxyRules {
			rule, err := compileProxyRule(rc)
			if err != nil {
				return fmt.Errorf("proxy rule #%d: %v", i, err)
			}
			router.Rules = append(router.Rules, rule)
		}
		s.proxyRouter = router
	}

	if len(bots) > 0 {
		d := &bot.Dispatcher{
			Reply:         bot.DefaultReply,
			MaxConcurrent: 64,
		}
		d.Enqueue = func(from string, to []string, data []byte) (string, error) {
			tr := trace.New("Bot.Enqueue", from)
			defer tr.Finish()
			return s.queue.Put(tr, from, to, data)
		}
		for i, bc := range bots {
			binding, err := bot.NewBinding(bc.AddressPattern, bc.AllowedIPs, bc.AllowedTokens, bc.BotName)
			if err != nil {
				return fmt.Errorf("bot binding #%d: %v", i, err)
			}
			d.Bindings = append(d.Bindings, binding)
		}
		s.botDispatcher = d
	}

	if len(scenarios) > 0 {
		var compiled []*scenario.Scenario
		for i, sc := range scenarios {
			cs, err := scenario.New(sc.Verb, sc.AddressPattern, sc.Response,
				time.Duration(sc.DelayMs)*time.Millisecond)
			if err != nil {
				return fmt.Errorf("scenario #%d: %v", i, err)
			}
			compiled = append(compiled, cs)
		}
		s.scenarios = scenario.NewRegistry(compiled...)
	}

	return nil
}

// compileProxyRule compiles a config.ProxyRuleConfig into a proxyrouter.Rule.
func compileProxyRule(rc config.ProxyRuleConfig) (*proxyrouter.Rule, error) {
	rule := &proxyrouter.Rule{
		Host:           rc.Host,
		Port:           rc.Port,
		Protocol:       proxyrouter.Protocol(rc.Protocol),
		TLS:            rc.TLS,
		NonMatchAction: proxyrouter.NonMatchAction(rc.NonMatchAction),
	}

	var err error
	if rule.RcptPattern, err = compileOptional(rc.RcptPattern); err != nil {
		return nil, fmt.Errorf("rcpt_pattern: %v", err)
	}
	if rule.MailPattern, err = compileOptional(rc.MailPattern); err != nil {
		return nil, fmt.Errorf("mail_pattern: %v", err)
	}
	if rule.EhloPattern, err = compileOptional(rc.EhloPattern); err != nil {
		return nil, fmt.Errorf("ehlo_pattern: %v", err)
	}
	if rule.IPPattern, err = compileOptional(rc.IPPattern); err != nil {
		return nil, fmt.Errorf("ip_pattern: %v", err)
	}
	return rule, nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	return regexp.Compile(pattern)
}

// periodicallyReload some of the server's information that can be changed
// without the server knowing, such as aliases and the user databases.
func (s *Server) periodicallyReload() {
	if reloadEvery == nil {
		return
	}

	//lint:ignore SA1015 This lasts the program's lifetime.
	for range time.Tick(*reloadEvery) {
		s.Reload()
	}
}

func (s *Server) Reload() {
	// Note that any error while reloading is fatal: this way, if there is an
	// unexpected error it can be detected (and corrected) quickly, instead of
	// much later (e.g. upon restart) when it might be harder to debug.
	if err := s.aliasesR.Reload(); err != nil {
		log.Fatalf("Error reloading aliases: %v", err)
	}

	if err := s.authr.Reload(); err != nil {
		log.Fatalf("Error reloading authenticators: %v", err)
	}
}

// ListenAndServe on the addresses and listeners that were previously added.
// This function will not return.
func (s *Server) ListenAndServe() {
	if len(s.tlsConfig.Certificates) == 0 {
		// robin assumes there's at least one valid certificate (for things
		// like STARTTLS, user authentication, etc.), so we fail if none was
		// found.
		log.Errorf("No SSL/TLS certificates found")
		log.Errorf("Ideally there should be a certificate for each MX you act as")
		log.Fatalf("At least one valid certificate is needed")
	}

	go s.periodicallyReload()

	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening: %v", err)
			}

			log.Infof("Server listening on %s (%v)", addr, m)
			maillog.Listening(addr)
			go s.serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), m)
			maillog.Listening(l.Addr().String())
			go s.serve(l, m)
		}
	}

	// Never return. If the serve goroutines have problems, they will abort
	// execution.
	for {
		time.Sleep(24 * time.Hour)
	}
}

func (s *Server) serve(l net.Listener, mode SocketMode) {
	// If this mode is expected to be TLS-wrapped, make it so.
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	pdhook := path.Join(s.HookPath, "post-data")

	// Bound the number of connections handled concurrently on this
	// listener, so a burst of connects can't exhaust file descriptors or
	// memory. A blocked Accept just means we stop pulling new connections
	// off the kernel's backlog until a slot frees up.
	max := s.maxConnsPerListener
	if max <= 0 {
		max = 1000
	}
	sem := make(chan struct{}, max)

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		sc := &Conn{
			hostname:       s.Hostname,
			maxDataSize:    s.MaxDataSize,
			postDataHook:   pdhook,
			conn:           conn,
			mode:           mode,
			tlsConfig:      s.tlsConfig,
			haproxyEnabled: s.HAProxyEnabled,
			onTLS:          mode.TLS,
			authr:          s.authr,
			aliasesR:       s.aliasesR,
			localDomains:   s.localDomains,
			dinfo:          s.dinfo,
			dkimSigners:    s.dkimSigners,
			deadline:       time.Now().Add(s.connTimeout),
			commandTimeout: s.commandTimeout,
			queue:          s.queue,
			av:             s.av,
			spam:           s.spam,
			webhookClient:  s.webhookClient,
			botDispatcher:  s.botDispatcher,
			proxyRouter:    s.proxyRouter,
			scenarios:      s.scenarios,
		}

		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			sc.Handle()
		}()
	}
}
