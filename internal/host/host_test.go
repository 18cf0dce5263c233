package host

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gophpeek/fcgigw/internal/proc"
)

type fakeSpawner struct {
	spawnCount int
	fail       bool
}

func (f *fakeSpawner) Spawn(ctx context.Context, p *proc.Process, cfg Config) error {
	f.spawnCount++
	if f.fail {
		return assert.AnError
	}
	p.MarkRunning(1000 + p.ID)
	return nil
}

func TestProvisionSpawnsLocalProcs(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "php", BinPath: "/usr/bin/php-cgi", MaxProcs: 3, Endpoint: proc.Endpoint{UnixPath: "/tmp/php.sock"}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	assert.Equal(t, 3, sp.spawnCount)
	assert.Equal(t, 3, h.ActiveProcs())
	assert.Len(t, h.Procs(), 3)
	assert.Equal(t, "/tmp/php.sock-1", h.Procs()[0].Endpoint.UnixPath)
	assert.Equal(t, "/tmp/php.sock-2", h.Procs()[1].Endpoint.UnixPath)
}

func TestProvisionRemoteDoesNotSpawn(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "remote", MaxProcs: 1, Endpoint: proc.Endpoint{Host: "10.0.0.1", Port: 9000}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	assert.Zero(t, sp.spawnCount)
	assert.Zero(t, h.ActiveProcs(), "remote procs start DIED until a Tick re-enables them")
}

func TestLoadIsSumOfProcLoads(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "php", BinPath: "/bin/x", MaxProcs: 2, Endpoint: proc.Endpoint{UnixPath: "/tmp/x.sock"}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	h.Procs()[0].IncLoad()
	h.Procs()[0].IncLoad()
	h.Procs()[1].IncLoad()

	assert.Equal(t, 3, h.Load())
}

func TestSelectProcPicksLeastLoaded(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "php", BinPath: "/bin/x", MaxProcs: 3, Endpoint: proc.Endpoint{UnixPath: "/tmp/x.sock"}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	h.Procs()[0].IncLoad()
	h.Procs()[0].IncLoad()
	h.Procs()[1].IncLoad()
	// procs[2] has load 0, the lowest.

	best := h.SelectProc()
	require.NotNil(t, best)
	assert.Equal(t, h.Procs()[2].ID, best.ID)
}

func TestSelectProcSkipsNonRunning(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "php", BinPath: "/bin/x", MaxProcs: 2, Endpoint: proc.Endpoint{UnixPath: "/tmp/x.sock"}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	h.Procs()[0].Disable(time.Now(), time.Second, 0)

	best := h.SelectProc()
	require.NotNil(t, best)
	assert.Equal(t, h.Procs()[1].ID, best.ID)
}

func TestSelectProcNoneRunning(t *testing.T) {
	h := New(Config{ID: "php", Endpoint: proc.Endpoint{Host: "x", Port: 1}, MaxProcs: 1}, &fakeSpawner{}, nil)
	require.NoError(t, h.Provision(context.Background()))
	assert.Nil(t, h.SelectProc())
}

func TestTickRespawnsOnlyAfterLoadDrains(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "php", BinPath: "/bin/x", MaxProcs: 1, Endpoint: proc.Endpoint{UnixPath: "/tmp/x.sock"}}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	p := h.Procs()[0]
	p.IncLoad()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	p.MarkRunning(cmd.Process.Pid)
	for i := 0; i < 200 && p.State() != proc.Died; i++ {
		p.Reap()
		if p.State() != proc.Died {
			time.Sleep(5 * time.Millisecond)
		}
	}
	require.Equal(t, proc.Died, p.State())

	spawnsBefore := sp.spawnCount
	h.Tick(context.Background(), time.Now())
	assert.Equal(t, spawnsBefore, sp.spawnCount, "must not respawn while load > 0")

	p.DecLoad()
	h.Tick(context.Background(), time.Now())
	assert.Equal(t, spawnsBefore+1, sp.spawnCount, "must respawn once load has drained")
}

func TestTickReenablesRemoteAfterDisableWindow(t *testing.T) {
	sp := &fakeSpawner{}
	h := New(Config{ID: "remote", MaxProcs: 1, Endpoint: proc.Endpoint{Host: "10.0.0.1", Port: 9000}, DisableTime: 10 * time.Millisecond}, sp, nil)
	require.NoError(t, h.Provision(context.Background()))

	p := h.Procs()[0]
	p.MarkRunning(0)
	p.Disable(time.Now(), 10*time.Millisecond, 0)
	assert.Equal(t, proc.Died, p.State())

	h.Tick(context.Background(), time.Now())
	assert.Equal(t, proc.Died, p.State(), "must stay disabled until the window passes")

	h.Tick(context.Background(), time.Now().Add(20*time.Millisecond))
	assert.Equal(t, proc.Running, p.State())
}
