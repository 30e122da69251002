package ingress

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetctl/deployctl/pkg/types"
)

type fakeResolver struct {
	descs map[types.ServiceKey]*types.ServiceDesc
}

func (f *fakeResolver) Resolve(ctx context.Context, key types.ServiceKey) (*types.ServiceDesc, error) {
	return f.descs[key], nil
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func webKey() types.ServiceKey {
	return types.ServiceKey{User: "u1", Project: "shop", Env: "prod", Service: "web"}
}

func TestSetUpstreamsRoundRobins(t *testing.T) {
	g := New(nil, "127.0.0.1:0", zerolog.Nop())
	key := webKey()

	require.NoError(t, g.SetUpstreams(key, []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}))

	ip1, ok := g.next(key)
	require.True(t, ok)
	ip2, _ := g.next(key)
	ip3, _ := g.next(key)
	ip4, _ := g.next(key)

	assert.Equal(t, "10.0.0.1", ip1)
	assert.Equal(t, "10.0.0.2", ip2)
	assert.Equal(t, "10.0.0.3", ip3)
	assert.Equal(t, ip1, ip4, "cursor should wrap back to the first upstream")
}

func TestSetUpstreamsEmptyTakesServiceOutOfRotation(t *testing.T) {
	g := New(nil, "127.0.0.1:0", zerolog.Nop())
	key := webKey()

	require.NoError(t, g.SetUpstreams(key, []string{"10.0.0.1"}))
	require.NoError(t, g.SetUpstreams(key, nil))

	_, ok := g.next(key)
	assert.False(t, ok)
}

func TestParseHost(t *testing.T) {
	key, ok := parseHost("web.prod.shop.u1.example.com:8443")
	require.True(t, ok)
	assert.Equal(t, webKey(), key)

	_, ok = parseHost("too-short.host")
	assert.False(t, ok)
}

func TestHandleRequestProxiesToUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "web.prod.shop.u1", r.Host)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer backend.Close()

	host, port := splitHostPort(t, backend.Listener.Addr().String())
	resolver := &fakeResolver{descs: map[types.ServiceKey]*types.ServiceDesc{
		webKey(): {Ports: []types.PortSpec{{ContainerPort: port, HTTP: true}}},
	}}

	g := New(resolver, "127.0.0.1:0", zerolog.Nop())
	require.NoError(t, g.SetUpstreams(webKey(), []string{host}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "web.prod.shop.u1"
	rec := httptest.NewRecorder()

	g.handleRequest(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestHandleRequestUnrecognizedHost(t *testing.T) {
	g := New(nil, "127.0.0.1:0", zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "bad"
	rec := httptest.NewRecorder()

	g.handleRequest(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleRequestNoUpstreams(t *testing.T) {
	g := New(nil, "127.0.0.1:0", zerolog.Nop())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Host = "web.prod.shop.u1"
	rec := httptest.NewRecorder()

	g.handleRequest(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartStopsOnContextCancel(t *testing.T) {
	g := New(nil, "127.0.0.1:0", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- g.Start(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after context cancellation")
	}
}
