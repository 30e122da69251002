// Package ingress implements the Gateway: the reverse proxy that
// fronts every deployed service and round-robins each request across
// that service's current pool of green nodes. The pool is rewritten
// whenever a deploy or rollback promotes or demotes nodes ("update
// the gateway/proxy that fronts the service").
package ingress

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetctl/deployctl/pkg/ports"
	"github.com/fleetctl/deployctl/pkg/types"
)

const (
	defaultPort         = 80
	shutdownGracePeriod = 10 * time.Second
)

// Gateway dispatches each incoming request, by virtual host, to one
// of its target service's current upstream node IPs. It satisfies
// ports.Gateway.
type Gateway struct {
	mu        sync.Mutex
	upstreams map[types.ServiceKey][]string
	cursor    map[types.ServiceKey]int

	resolver ports.ServiceResolver
	server   *http.Server
	log      zerolog.Logger
}

// New builds a Gateway listening on addr. resolver looks up a
// service's declared ports so the proxy knows which one is HTTP;
// it may be nil, in which case every upstream is dialed on
// defaultPort.
func New(resolver ports.ServiceResolver, addr string, log zerolog.Logger) *Gateway {
	g := &Gateway{
		upstreams: make(map[types.ServiceKey][]string),
		cursor:    make(map[types.ServiceKey]int),
		resolver:  resolver,
		log:       log.With().Str("component", "gateway").Logger(),
	}
	g.server = &http.Server{
		Addr:         addr,
		Handler:      http.HandlerFunc(g.handleRequest),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return g
}

// SetUpstreams replaces the pool of node IPs backing key and resets
// its round-robin cursor. An empty ips takes the service out of
// rotation entirely (a demote-to-zero-greens edge case) rather than
// leaving stale upstreams in place.
func (g *Gateway) SetUpstreams(key types.ServiceKey, ips []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(ips) == 0 {
		delete(g.upstreams, key)
		delete(g.cursor, key)
		return nil
	}
	g.upstreams[key] = append([]string(nil), ips...)
	g.cursor[key] = 0
	return nil
}

// next returns key's next upstream IP in round-robin order.
func (g *Gateway) next(key types.ServiceKey) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	ips := g.upstreams[key]
	if len(ips) == 0 {
		return "", false
	}
	i := g.cursor[key] % len(ips)
	g.cursor[key] = (i + 1) % len(ips)
	return ips[i], true
}

// Start runs the proxy's HTTP listener until ctx is cancelled, then
// shuts it down gracefully.
func (g *Gateway) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", g.server.Addr)
	if err != nil {
		return fmt.Errorf("gateway: listen on %s: %w", g.server.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := g.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		return g.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// handleRequest routes by virtual host, picks the next upstream for
// that service, and hands the request to a single-use reverse proxy
// pointed at it.
func (g *Gateway) handleRequest(w http.ResponseWriter, r *http.Request) {
	key, ok := parseHost(r.Host)
	if !ok {
		http.Error(w, "unrecognized host", http.StatusNotFound)
		return
	}

	ip, ok := g.next(key)
	if !ok {
		http.Error(w, "service has no healthy upstreams", http.StatusServiceUnavailable)
		return
	}

	target, err := url.Parse(fmt.Sprintf("http://%s:%d", ip, g.resolvePort(r.Context(), key)))
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	g.proxyTo(target, key).ServeHTTP(w, r)
}

// proxyTo builds a reverse proxy for a single request, preserving the
// inbound Host header and setting the standard X-Forwarded-* chain.
func (g *Gateway) proxyTo(target *url.URL, key types.ServiceKey) *httputil.ReverseProxy {
	proxy := httputil.NewSingleHostReverseProxy(target)
	baseDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		host := req.Host
		baseDirector(req)
		req.Host = host
		req.Header.Set("X-Forwarded-For", req.RemoteAddr)
		req.Header.Set("X-Forwarded-Proto", "http")
		req.Header.Set("X-Forwarded-Host", host)
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		g.log.Warn().Err(err).Str("service", key.String()).Str("upstream", target.Host).Msg("proxy error")
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}
	return proxy
}

// resolvePort asks the (out of scope) config loader for key's
// declared HTTP port, falling back to defaultPort when the service
// declares none or the resolver itself is unavailable.
func (g *Gateway) resolvePort(ctx context.Context, key types.ServiceKey) int {
	if g.resolver == nil {
		return defaultPort
	}
	desc, err := g.resolver.Resolve(ctx, key)
	if err != nil || desc == nil {
		return defaultPort
	}
	for _, p := range desc.Ports {
		if p.HTTP {
			return p.ContainerPort
		}
	}
	return defaultPort
}

// parseHost splits a virtual host of the form
// "service.env.project.user" (optionally followed by a root domain,
// e.g. "web.prod.shop.u1.example.com") into the ServiceKey it names.
func parseHost(host string) (types.ServiceKey, bool) {
	if i := strings.IndexByte(host, ':'); i != -1 {
		host = host[:i]
	}
	parts := strings.Split(host, ".")
	if len(parts) < 4 {
		return types.ServiceKey{}, false
	}
	return types.ServiceKey{
		Service: parts[0],
		Env:     parts[1],
		Project: parts[2],
		User:    parts[3],
	}, true
}
