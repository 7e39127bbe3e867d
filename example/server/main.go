// Command server is a demo Ext.Direct backend. It serves a Profile action
// and a Session action behind sealed cookie sessions, optional OIDC bearer
// tokens, a YAML access policy, rate limiting and Prometheus metrics.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/mnehpets/directserve/acl"
	"github.com/mnehpets/directserve/auth"
	"github.com/mnehpets/directserve/config"
	"github.com/mnehpets/directserve/direct"
	"github.com/mnehpets/directserve/endpoint"
	"github.com/mnehpets/directserve/metrics"
	"github.com/mnehpets/directserve/middleware"
)

const logPrefix = "server:main"

// defaultPolicy applies when DIRECT_ACL_FILE is unset.
const defaultPolicy = `
anonymous: [profile.read]
roles:
  admin: ["*"]
  editor: [profile.write]
`

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head>
	<title>Ext.Direct demo</title>
	<script src="{{.APIPath}}"></script>
</head>
<body>
	<h1>Ext.Direct demo</h1>
	<p>Remoting API: <a href="{{.APIPath}}">{{.APIPath}}</a> (<a href="{{.APIPath}}?format=json">JSON</a>)</p>
	<p>Router: <code>POST {{.RouterPath}}</code></p>
	<ul>
	{{range .Actions}}<li>{{.}}</li>
	{{end}}
	</ul>
</body>
</html>
`))

func main() {
	if err := run(); err != nil {
		slog.Error(fmt.Sprintf("%s - %v", logPrefix, err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handler, err := newHandler(ctx, cfg, logger, prometheus.NewRegistry())
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("%s - listening on %s", logPrefix, cfg.Addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info(fmt.Sprintf("%s - shutting down", logPrefix))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

// newHandler assembles the application: the Ext.Direct endpoints behind the
// processor chain, the index page and the metrics endpoint.
func newHandler(ctx context.Context, cfg *config.Config, logger *slog.Logger, promReg *prometheus.Registry) (http.Handler, error) {
	sessions, err := newSessionProcessor(cfg, logger)
	if err != nil {
		return nil, err
	}
	authorizer, err := newAuthorizer(cfg)
	if err != nil {
		return nil, err
	}
	collector, err := metrics.NewCollector(promReg, "directserve")
	if err != nil {
		return nil, err
	}
	promReg.MustRegister(collectors.NewGoCollector())

	reg := direct.NewRegistry()
	registerActions(reg, newProfileStore())

	opts := append(cfg.RouterOptions(),
		direct.WithAuthorizer(authorizer),
		direct.WithObserver(collector),
		direct.WithLogger(logger),
		direct.WithExceptionView(noProfileView),
	)
	router := direct.NewRouter(reg, opts...)

	processors := []endpoint.Processor{
		middleware.NewAccessLogProcessor(logger),
		middleware.NewSecurityHeadersProcessor(),
		sessions,
	}
	if cfg.OIDCIssuer != "" {
		providers := auth.NewRegistry()
		if err := providers.RegisterOIDCProvider(ctx, "oidc", cfg.OIDCIssuer, cfg.OIDCClientID); err != nil {
			return nil, err
		}
		processors = append(processors, auth.NewBearerProcessor(providers, auth.WithLogger(logger)))
	}
	if cfg.RateLimitRPS > 0 {
		processors = append(processors, middleware.NewRateLimitProcessor(cfg.RateLimitRPS, cfg.RateLimitBurst))
	}

	mux := http.NewServeMux()
	router.Mount(mux, processors...)
	mux.Handle(cfg.MetricsPath, metrics.Handler(promReg))
	mux.Handle("GET /{$}", endpoint.Handler(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.HTMLTemplateRenderer{
			Template: indexTmpl,
			Values: map[string]any{
				"APIPath":    router.APIPath(),
				"RouterPath": router.RouterPath(),
				"Actions":    reg.Actions(),
			},
		}, nil
	}, middleware.NewSecurityHeadersProcessor()))
	return mux, nil
}

func newSessionProcessor(cfg *config.Config, logger *slog.Logger) (*middleware.SessionProcessor, error) {
	keyID := cfg.SessionKeyID
	var keys map[string][]byte
	if cfg.SessionKeys != "" {
		var err error
		if keys, err = cfg.ParseSessionKeys(); err != nil {
			return nil, err
		}
	} else {
		// Sessions do not survive a restart with a generated key.
		key := make([]byte, middleware.KeySize)
		if _, err := rand.Read(key); err != nil {
			return nil, err
		}
		keyID, keys = "ephemeral", map[string][]byte{"ephemeral": key}
		logger.Warn(fmt.Sprintf("%s - SESSION_KEYS unset, using an ephemeral session key", logPrefix))
	}
	return middleware.NewSessionProcessor(keyID, keys,
		middleware.WithCookieOptions(middleware.WithSecure(cfg.SessionSecure)))
}

func newAuthorizer(cfg *config.Config) (*acl.Authorizer, error) {
	var policy *acl.Policy
	var err error
	if cfg.ACLFile != "" {
		policy, err = acl.LoadFile(cfg.ACLFile)
	} else {
		policy, err = acl.Parse([]byte(defaultPolicy))
	}
	if err != nil {
		return nil, err
	}
	return acl.NewAuthorizer(policy)
}
