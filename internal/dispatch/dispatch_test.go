package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/proc"
	"github.com/gophpeek/fcgigw/internal/registry"
)

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, p *proc.Process, cfg host.Config) error {
	p.MarkRunning(1000 + p.ID)
	return nil
}

func newHost(t *testing.T, id string, maxProcs int) *host.Host {
	t.Helper()
	h := host.New(host.Config{ID: id, BinPath: "/bin/x", MaxProcs: maxProcs, Endpoint: proc.Endpoint{UnixPath: "/tmp/" + id + ".sock"}}, fakeSpawner{}, nil)
	require.NoError(t, h.Provision(context.Background()))
	return h
}

func TestResolveResponderHappyPath(t *testing.T) {
	reg := registry.New()
	h := newHost(t, "php", 2)
	reg.Register(".php", registry.ModeResponder, h)

	d := New(reg)
	sel, err := d.ResolveResponder("/var/www/index.php")
	require.NoError(t, err)
	assert.Equal(t, h, sel.Host)
	assert.NotNil(t, sel.Proc)
	assert.Equal(t, ".php", sel.Ext.Key)
}

func TestResolveNoMatchPassesThrough(t *testing.T) {
	reg := registry.New()
	newHostUsed := newHost(t, "php", 1)
	reg.Register(".php", registry.ModeResponder, newHostUsed)

	d := New(reg)
	_, err := d.ResolveResponder("/static/app.css")
	assert.ErrorIs(t, err, ErrNoMatch)
}

func TestResolveAllBackendsDown(t *testing.T) {
	reg := registry.New()
	h := host.New(host.Config{ID: "dead", MaxProcs: 1, Endpoint: proc.Endpoint{Host: "10.0.0.9", Port: 9001}}, fakeSpawner{}, nil)
	require.NoError(t, h.Provision(context.Background())) // remote, stays DIED
	reg.Register(".php", registry.ModeResponder, h)

	d := New(reg)
	_, err := d.ResolveResponder("/index.php")
	assert.ErrorIs(t, err, ErrAllBackendsDown)
}

func TestResolveAuthorizerThenResponder(t *testing.T) {
	reg := registry.New()
	authHost := newHost(t, "auth", 1)
	respHost := newHost(t, "resp", 1)
	reg.Register("/admin/", registry.ModeAuthorizer, authHost)
	reg.Register("/admin/", registry.ModeResponder, respHost)

	d := New(reg)
	require.True(t, d.HasAuthorizers())

	authSel, err := d.ResolveAuthorizer("/admin/index.php")
	require.NoError(t, err)
	assert.Equal(t, authHost, authSel.Host)

	respSel, err := d.ResolveResponder("/admin/index.php")
	require.NoError(t, err)
	assert.Equal(t, respHost, respSel.Host)
}

func TestResolveExtensionReselectsOnReconnect(t *testing.T) {
	reg := registry.New()
	h := newHost(t, "php", 2)
	reg.Register(".php", registry.ModeResponder, h)

	d := New(reg)
	ext, ok := d.Match(registry.ModeResponder, "index.php")
	require.True(t, ok)

	first, err := d.ResolveExtension(ext)
	require.NoError(t, err)
	first.Proc.IncLoad()
	first.Proc.IncLoad()

	second, err := d.ResolveExtension(ext)
	require.NoError(t, err)
	assert.NotEqual(t, first.Proc.ID, second.Proc.ID, "least-loaded scan should favor the untouched proc")
}
