package fcgigw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/gophpeek/fcgigw/internal/dispatch"
	"github.com/gophpeek/fcgigw/internal/gwmetrics"
	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/netloop"
	"github.com/gophpeek/fcgigw/internal/registry"
)

// newTestGateway wires a Gateway around reg without provisioning any
// backend process, so every host in reg has zero active procs. That's
// enough to exercise dispatch failure paths without a real FastCGI
// listener: ResolveExtension fails fast with ErrAllBackendsDown.
func newTestGateway(t *testing.T, reg *registry.Registry) *Gateway {
	t.Helper()

	loop, err := netloop.NewEpoll(nil)
	require.NoError(t, err)
	jobs, err := newJobQueue(loop)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go loop.Run(ctx)

	return &Gateway{
		registry:   reg,
		dispatcher: dispatch.New(reg),
		hosts:      map[string]*host.Host{},
		loop:       loop,
		jobs:       jobs,
		metrics:    gwmetrics.NewInProcess(),
		log:        zap.NewNop(),
		opts:       Options{ServerSoftware: "fcgigw-test"},
	}
}

func noProcHost(id string) *host.Host {
	return host.New(host.Config{ID: id}, nil, nil)
}

func TestServeHTTPMatchesAuthorizerIndependently(t *testing.T) {
	reg := registry.New()
	reg.Register("/secure/", registry.ModeAuthorizer, noProcHost("auth"))

	g := newTestGateway(t, reg)

	req := httptest.NewRequest(http.MethodGet, "/secure/area", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	// No responder extension is registered for this path at all, so a
	// gateway that only ran the authorizer when a responder also matched
	// would 404 here. The authorizer ran (and its dispatch failed, since
	// the host has no live proc), so the response must be 503, not 404.
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServeHTTPFallsThroughWhenNeitherModeMatches(t *testing.T) {
	reg := registry.New()
	reg.Register(".php", registry.ModeResponder, noProcHost("php"))

	g := newTestGateway(t, reg)

	req := httptest.NewRequest(http.MethodGet, "/unmatched.html", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServeHTTPRespondsWhenOnlyResponderMatches(t *testing.T) {
	reg := registry.New()
	reg.Register(".php", registry.ModeResponder, noProcHost("php"))

	g := newTestGateway(t, reg)

	req := httptest.NewRequest(http.MethodGet, "/index.php", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildEnvResponderCarriesPathInfoByDefault(t *testing.T) {
	g := &Gateway{opts: Options{ServerSoftware: "fcgigw-test"}}
	ext := &registry.Extension{Key: "/fcgi/"}
	h := host.New(host.Config{ID: "fcgi"}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/fcgi/foo/bar", nil)
	env := g.buildEnv(req, ext, registry.ModeResponder, h)

	assert.Equal(t, "/fcgi/foo", env["SCRIPT_NAME"])
	assert.Equal(t, "/bar", env["PATH_INFO"])
	assert.Equal(t, "/fcgi/foo/bar", env["SCRIPT_FILENAME"])
}

func TestBuildEnvBreakScriptFilenameForPHPStripsPathInfo(t *testing.T) {
	g := &Gateway{opts: Options{ServerSoftware: "fcgigw-test"}}
	ext := &registry.Extension{Key: "/fcgi/"}
	h := host.New(host.Config{ID: "fcgi", BreakScriptFilenameForPHP: true}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/fcgi/foo/bar", nil)
	env := g.buildEnv(req, ext, registry.ModeResponder, h)

	assert.Equal(t, "/fcgi/foo", env["SCRIPT_NAME"])
	assert.Equal(t, "/bar", env["PATH_INFO"])
	assert.Equal(t, "/fcgi/foo", env["SCRIPT_FILENAME"])
}

func TestBuildEnvAuthorizerDoesNotSplitPathInfo(t *testing.T) {
	g := &Gateway{opts: Options{ServerSoftware: "fcgigw-test"}}
	ext := &registry.Extension{Key: "/fcgi/"}
	h := host.New(host.Config{ID: "fcgi"}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/fcgi/foo/bar", nil)
	env := g.buildEnv(req, ext, registry.ModeAuthorizer, h)

	assert.Equal(t, "/fcgi/foo/bar", env["SCRIPT_NAME"])
	assert.Equal(t, "", env["PATH_INFO"])
}

func TestBuildEnvTranslatesDocroot(t *testing.T) {
	g := &Gateway{opts: Options{ServerSoftware: "fcgigw-test"}}
	ext := &registry.Extension{Key: ".php"}
	h := host.New(host.Config{
		ID:      "php",
		WebRoot: "/var/www",
		Docroot: "/srv/app",
	}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/var/www/index.php", nil)
	env := g.buildEnv(req, ext, registry.ModeResponder, h)

	assert.Equal(t, "/srv/app/index.php", env["SCRIPT_FILENAME"])
	assert.Equal(t, "/srv/app", env["DOCUMENT_ROOT"])
}

func TestBuildEnvNoopWhenWebRootUnset(t *testing.T) {
	g := &Gateway{opts: Options{ServerSoftware: "fcgigw-test"}}
	ext := &registry.Extension{Key: ".php"}
	h := host.New(host.Config{ID: "php"}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/app/index.php", nil)
	env := g.buildEnv(req, ext, registry.ModeResponder, h)

	assert.Equal(t, "/app/index.php", env["SCRIPT_FILENAME"])
	assert.Equal(t, "", env["DOCUMENT_ROOT"])
}
