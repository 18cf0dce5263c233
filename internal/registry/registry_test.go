package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gophpeek/fcgigw/internal/host"
	"github.com/gophpeek/fcgigw/internal/proc"
)

type fakeSpawner struct{}

func (fakeSpawner) Spawn(ctx context.Context, p *proc.Process, cfg host.Config) error {
	p.MarkRunning(1)
	return nil
}

func newRunningHost(t *testing.T, id string) *host.Host {
	t.Helper()
	h := host.New(host.Config{ID: id, BinPath: "/bin/x", MaxProcs: 1, Endpoint: proc.Endpoint{UnixPath: "/tmp/" + id + ".sock"}}, fakeSpawner{}, nil)
	require.NoError(t, h.Provision(context.Background()))
	return h
}

func TestRegisterAndMatchSuffix(t *testing.T) {
	r := New()
	h := newRunningHost(t, "php")
	r.Register(".php", ModeResponder, h)

	ext, ok := r.Match(ModeResponder, "/var/www/index.php")
	require.True(t, ok)
	assert.Equal(t, ".php", ext.Key)

	_, ok = r.Match(ModeResponder, "/var/www/index.html")
	assert.False(t, ok)
}

func TestMatchPathPrefix(t *testing.T) {
	r := New()
	h := newRunningHost(t, "fcgi")
	r.Register("/fcgi/", ModeResponder, h)

	ext, ok := r.Match(ModeResponder, "/fcgi/app/run")
	require.True(t, ok)
	assert.Equal(t, "/fcgi/", ext.Key)
}

func TestMatchFirstWinsInConfigOrder(t *testing.T) {
	r := New()
	h1 := newRunningHost(t, "a")
	h2 := newRunningHost(t, "b")
	r.Register(".php", ModeResponder, h1)
	r.Register(".php5", ModeResponder, h2)

	ext, ok := r.Match(ModeResponder, "index.php5")
	require.True(t, ok)
	// ".php" does not match "index.php5" as a suffix, so ".php5" wins.
	assert.Equal(t, ".php5", ext.Key)
}

func TestMapExtensionsRewrite(t *testing.T) {
	r := New()
	h := newRunningHost(t, "php")
	r.Register(".php", ModeResponder, h)
	r.MapExtensions = []MapEntry{{From: ".phtml", To: ".php"}}

	ext, ok := r.Match(ModeResponder, "index.phtml")
	require.True(t, ok)
	assert.Equal(t, ".php", ext.Key)
}

func TestAuthorizerAndResponderBucketsAreIndependent(t *testing.T) {
	r := New()
	h := newRunningHost(t, "auth")
	r.Register("/admin/", ModeAuthorizer, h)

	_, ok := r.Match(ModeResponder, "/admin/index.php")
	assert.False(t, ok)

	_, ok = r.Match(ModeAuthorizer, "/admin/index.php")
	assert.True(t, ok)
}

func TestSplitPathInfo(t *testing.T) {
	ext := &Extension{Key: "/fcgi/"}
	scriptName, pathInfo := SplitPathInfo(ext, "/fcgi/app/extra/path", false)
	assert.Equal(t, "/fcgi/app", scriptName)
	assert.Equal(t, "/extra/path", pathInfo)
}

func TestSplitPathInfoNoTrailingSlash(t *testing.T) {
	ext := &Extension{Key: "/fcgi/"}
	scriptName, pathInfo := SplitPathInfo(ext, "/fcgi/app", false)
	assert.Equal(t, "/fcgi/app", scriptName)
	assert.Empty(t, pathInfo)
}

func TestSplitPathInfoFixRootPathName(t *testing.T) {
	ext := &Extension{Key: "/"}
	scriptName, pathInfo := SplitPathInfo(ext, "/anything/here", true)
	assert.Empty(t, scriptName)
	assert.Equal(t, "/anything/here", pathInfo)
}

func TestSplitPathInfoSuffixExtensionIsNoop(t *testing.T) {
	ext := &Extension{Key: ".php"}
	scriptName, pathInfo := SplitPathInfo(ext, "/a/b/index.php", false)
	assert.Equal(t, "/a/b/index.php", scriptName)
	assert.Empty(t, pathInfo)
}

func TestSelectHostRoundRobinWhenZeroLoad(t *testing.T) {
	ext := &Extension{Key: ".php", lastUsedIndex: -1}
	ext.Hosts = append(ext.Hosts, newRunningHost(t, "a"), newRunningHost(t, "b"))

	h, ok := ext.SelectHost()
	require.True(t, ok)
	assert.Equal(t, "a", h.Config.ID)

	h, ok = ext.SelectHost()
	require.True(t, ok)
	assert.Equal(t, "b", h.Config.ID)
}

func TestSelectHostFallsBackToLeastLoaded(t *testing.T) {
	a := newRunningHost(t, "a")
	b := newRunningHost(t, "b")
	a.Procs()[0].IncLoad()
	a.Procs()[0].IncLoad()
	b.Procs()[0].IncLoad()

	ext := &Extension{Key: ".php", lastUsedIndex: -1}
	ext.Hosts = append(ext.Hosts, a, b)

	h, ok := ext.SelectHost()
	require.True(t, ok)
	assert.Equal(t, "b", h.Config.ID, "b has less load than a, so it wins the scan even though neither is idle")
}

func TestSelectHostAllDeadReturnsFalse(t *testing.T) {
	h := host.New(host.Config{ID: "dead", BinPath: "/bin/x", MaxProcs: 1, Endpoint: proc.Endpoint{UnixPath: "/tmp/dead.sock"}}, fakeSpawner{}, nil)
	require.NoError(t, h.Provision(context.Background()))
	h.Procs()[0].Kill()

	ext := &Extension{Key: ".php", lastUsedIndex: -1}
	ext.Hosts = append(ext.Hosts, h)

	_, ok := ext.SelectHost()
	assert.False(t, ok)
}
