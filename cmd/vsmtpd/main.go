// Command vsmtpd is the server supervisor binary: it loads the TOML
// configuration, wires the queue store, policy engine, post-queue and
// delivery workers, and the socket supervisor together, then runs until
// signaled.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/vsmtp/vsmtp-go/internal/config"
	"github.com/vsmtp/vsmtp-go/internal/delivery"
	"github.com/vsmtp/vsmtp-go/internal/dnsresolve"
	"github.com/vsmtp/vsmtp-go/internal/metrics"
	"github.com/vsmtp/vsmtp-go/internal/policy"
	"github.com/vsmtp/vsmtp-go/internal/postqueue"
	"github.com/vsmtp/vsmtp-go/internal/queuestore"
	"github.com/vsmtp/vsmtp-go/internal/session"
	"github.com/vsmtp/vsmtp-go/internal/supervisor"
	"github.com/vsmtp/vsmtp-go/internal/vlog"
)

func main() {
	configPath := "/etc/vsmtp/vsmtp.toml"
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	log := vlog.Logger{Name: "vsmtpd", Out: vlog.WriterOutput(os.Stderr, false)}

	if err := run(configPath, log); err != nil {
		log.Error("fatal", err)
		os.Exit(1)
	}
}

func run(configPath string, log vlog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := queuestore.New(cfg.Server.Queues.DirPath)
	m := metrics.New()

	resolver := buildResolver(cfg.App.DNS)
	hooks := &policy.Hooks{Log: log, AppDir: cfg.App.DirPath, Resolver: resolver, Services: buildServices(cfg.App.Services)}
	pol := buildPolicy(cfg, hooks)

	workingChanSize := cfg.Server.Queues.Working.ChannelSize
	if workingChanSize <= 0 {
		workingChanSize = 64
	}
	deliverChanSize := cfg.Server.Queues.Delivery.ChannelSize
	if deliverChanSize <= 0 {
		deliverChanSize = 64
	}
	commitCh := make(chan string, workingChanSize)
	deliverNotifyCh := make(chan string, deliverChanSize)

	sessCfg, err := buildSessionConfig(cfg)
	if err != nil {
		return err
	}

	sv := &supervisor.Supervisor{
		Config: supervisor.Config{
			ServerName:      cfg.Server.Name,
			Addr:            cfg.Server.Interfaces.Addr,
			AddrSubmission:  cfg.Server.Interfaces.AddrSubmission,
			AddrSubmissions: cfg.Server.Interfaces.AddrSubmissions,
			MaxConnections:  cfg.Server.MaxConnections,
			Session:         sessCfg,
		},
		Policy: pol,
		Hooks:  hooks,
		Store:  store,
		Metric: m,
		Log:    log,
		Commit: commitCh,
	}

	pqWorker := &postqueue.Worker{
		Store: store, Policy: pol, Hooks: hooks, Metric: m, Log: namedLogger(log, "postqueue"),
		Deliver: deliverNotifyCh, NotifyTimeout: 2 * time.Second,
	}

	deferredRetryPeriod, err := config.ParseDuration(cfg.Server.Queues.Delivery.DeferredRetryPeriod, time.Minute)
	if err != nil {
		return fmt.Errorf("server.queues.delivery.deferred_retry_period: %w", err)
	}
	dlWorker := &delivery.Worker{
		Store:    store,
		Resolver: resolver,
		Metric:   m,
		Log:      namedLogger(log, "delivery"),
		Config: delivery.Config{
			RetryBase:           time.Minute,
			RetryCap:            time.Hour,
			DeferredRetryMax:    cfg.Server.Queues.Delivery.DeferredRetryMax,
			DeferredRetryPeriod: deferredRetryPeriod,
			DialTimeout:         30 * time.Second,
			Hostname:            cfg.Server.Name,
			MboxDir:             "/var/mail",
			MaildirRoot:         "/home",
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go pqWorker.Run(ctx, commitCh)
	dlWorker.ScanDeliver(ctx)
	go dlWorker.Run(ctx, deliverNotifyCh)

	return sv.Run(ctx)
}

func namedLogger(base vlog.Logger, name string) vlog.Logger {
	l := base
	l.Name = name
	return l
}

func buildResolver(cfg config.DNSConfig) dnsresolve.Resolver {
	switch cfg.Type {
	case config.DNSTypeGoogle:
		return dnsresolve.NewGoogle()
	case config.DNSTypeCloudFlare:
		return dnsresolve.NewCloudFlare()
	case config.DNSTypeCustom:
		return dnsresolve.NewUpstream(cfg.Address)
	default:
		return dnsresolve.NewSystem()
	}
}

func buildServices(services map[string]config.ServiceConfig) map[string]*policy.ShellService {
	out := make(map[string]*policy.ShellService)
	for name, svc := range services {
		if svc.Type != config.ServiceTypeShell {
			continue
		}
		timeout, _ := config.ParseDuration(svc.Timeout, 10*time.Second)
		out[name] = &policy.ShellService{
			Command: svc.Command,
			Args:    svc.Args,
			Timeout: timeout,
			User:    svc.User,
			Group:   svc.Group,
		}
	}
	return out
}

// buildPolicy constructs the reference StaticPolicy with a CsvDatabase
// credential backend when one is configured; there is no rule set by
// default, since the VSL scripting layer named in spec.md §6's app.vsl
// is out of scope for this contract's reference implementation.
func buildPolicy(cfg *config.Config, hooks *policy.Hooks) *policy.StaticPolicy {
	var creds policy.CredentialBackend
	for _, svc := range cfg.App.Services {
		if svc.Type != config.ServiceTypeCSV {
			continue
		}
		delimiter := ','
		if svc.Delimiter != "" {
			delimiter = rune(svc.Delimiter[0])
		}
		refresh, _ := config.ParseDuration(svc.Refresh, time.Minute)
		creds = policy.NewCsvDatabase(svc.Path, delimiter, refresh)
		break
	}
	return policy.NewStaticPolicy(creds)
}

func buildSessionConfig(cfg *config.Config) (session.Config, error) {
	timeoutPerState, err := config.ParseDuration(cfg.Server.SMTP.TimeoutPerState, 30*time.Second)
	if err != nil {
		return session.Config{}, fmt.Errorf("server.smtp.timeout_per_state: %w", err)
	}
	errDelay, err := config.ParseDuration(cfg.Server.SMTP.Error.Delay, 0)
	if err != nil {
		return session.Config{}, fmt.Errorf("server.smtp.error.delay: %w", err)
	}

	sc := session.Config{
		ServerName:      cfg.Server.Name,
		RcptCountMax:    cfg.Server.SMTP.RcptCountMax,
		MaxLineLen:      4096,
		MaxDataSize:     32 << 20,
		SoftCount:       cfg.Server.SMTP.Error.SoftCount,
		HardCount:       cfg.Server.SMTP.Error.HardCount,
		ErrDelay:        errDelay,
		TimeoutPerState: timeoutPerState,
	}

	if cfg.Server.TLS != nil {
		tlsConfig, err := buildTLSConfig(cfg.Server.TLS)
		if err != nil {
			return session.Config{}, err
		}
		sc.TLSConfig = tlsConfig
	}

	if cfg.Server.Auth != nil {
		sc.AuthMechanisms = cfg.Server.Auth.Mechanisms
		sc.AuthMustBeAuthenticated = cfg.Server.Auth.MustBeAuthenticated
		sc.AuthEnableDangerousMechanismsWithoutEncryption = cfg.Server.Auth.EnableDangerousMechanismsWithoutEncryption
	}

	return sc, nil
}

func buildTLSConfig(t *config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.Certificate, t.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("loading server.tls certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
	}
	if len(t.Virtual) > 0 {
		byName := make(map[string]tls.Certificate, len(t.Virtual)+1)
		byName[""] = cert
		for _, v := range t.Virtual {
			vc, err := tls.LoadX509KeyPair(v.Certificate, v.PrivateKey)
			if err != nil {
				return nil, fmt.Errorf("loading server.tls.virtual certificate for %s: %w", v.Domain, err)
			}
			byName[v.Domain] = vc
		}
		tlsConfig.GetCertificate = func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			if c, ok := byName[hello.ServerName]; ok {
				return &c, nil
			}
			c := byName[""]
			return &c, nil
		}
	}
	return tlsConfig, nil
}
