package cli

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kunal-geeks/kaddht/internal/dht"
)

// freeAddr returns a loopback address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func runCmd(ctx context.Context, args ...string) (string, error) {
	var out bytes.Buffer
	root := NewRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestNodeFlags_Config(t *testing.T) {
	flags := &nodeFlags{}
	cmd := &cobra.Command{Use: "test"}
	flags.register(cmd)
	require.NoError(t, cmd.ParseFlags([]string{
		"--k", "8", "--alpha", "2", "--bits", "32", "--timeout", "500ms", "--evict",
		"--bootstrap", "a:1, b:2,,",
	}))

	cfg, err := flags.config()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.K)
	assert.Equal(t, 2, cfg.Alpha)
	assert.Equal(t, 32, cfg.IDBits)
	assert.Equal(t, 500*time.Millisecond, cfg.QueryTimeout)
	assert.True(t, cfg.EvictUnresponsive)
	assert.Equal(t, dht.DefaultStallThreshold, cfg.StallThreshold)
	assert.Equal(t, []string{"a:1", "b:2"}, flags.peers())
}

func TestNodeFlags_InvalidConfig(t *testing.T) {
	flags := &nodeFlags{k: dht.K, alpha: 0, bits: dht.IDBits, timeout: time.Second}
	_, err := flags.config()
	assert.Error(t, err)

	flags = &nodeFlags{k: dht.K, alpha: dht.Alpha, bits: 200, timeout: time.Second}
	_, err = flags.config()
	assert.Error(t, err)
}

func TestVersionCmd(t *testing.T) {
	out, err := runCmd(context.Background(), "version")
	require.NoError(t, err)
	assert.Equal(t, "kaddht "+Version+"\n", out)
}

func TestDemo(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runDemo(context.Background(), &out))

	report := out.String()
	for _, section := range []string{"XOR DISTANCE", "K-BUCKET LAYOUT", "LOOKUP", "ROUTING EFFICIENCY", "FAULT TOLERANCE"} {
		assert.Contains(t, report, "=== "+section+" ===")
	}
	assert.Contains(t, report, "1010 XOR 1100 = 0110 (distance 6)")
	assert.Contains(t, report, "00000000 distance 128 -> bucket 7")
	assert.Contains(t, report, `get 0x35 -> "example_value"`)
	assert.Contains(t, report, `-> "critical_information"`)
}

func TestDemoCmd(t *testing.T) {
	out, err := runCmd(context.Background(), "demo")
	require.NoError(t, err)
	assert.Contains(t, out, "=== FAULT TOLERANCE ===")
}

func TestClientCmds_RequireBootstrap(t *testing.T) {
	_, err := runCmd(context.Background(), "put", "k", "v")
	assert.Error(t, err)

	_, err = runCmd(context.Background(), "get", "k")
	assert.Error(t, err)
}

func TestBootstrapWithRetry(t *testing.T) {
	flags := &nodeFlags{k: dht.K, alpha: dht.Alpha, bits: dht.IDBits, timeout: time.Second}

	seed, err := startNode(flags, "127.0.0.1:0", "")
	require.NoError(t, err)
	defer seed.Close()

	joiner, err := startNode(flags, "127.0.0.1:0", t.TempDir())
	require.NoError(t, err)
	defer joiner.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	seedAddr := seed.Node().Contact().Address
	require.NoError(t, bootstrapWithRetry(ctx, joiner, seedAddr, 5*time.Second))

	found := false
	for _, c := range joiner.Node().RoutingTable().Contacts() {
		if c.ID.Equals(seed.Node().ID()) {
			found = true
			assert.Equal(t, seedAddr, c.Address)
		}
	}
	assert.True(t, found, "seed should be in the joiner's routing table")
}

func TestBootstrapWithRetry_GivesUp(t *testing.T) {
	flags := &nodeFlags{k: dht.K, alpha: dht.Alpha, bits: dht.IDBits, timeout: 200 * time.Millisecond}

	svc, err := startNode(flags, "127.0.0.1:0", "")
	require.NoError(t, err)
	defer svc.Close()

	start := time.Now()
	err = bootstrapWithRetry(context.Background(), svc, freeAddr(t), 500*time.Millisecond)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestServeThenPutGet(t *testing.T) {
	addr := freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		flags := &nodeFlags{k: dht.K, alpha: dht.Alpha, bits: dht.IDBits, timeout: time.Second}
		served <- runServe(ctx, flags, &serveFlags{listen: addr, dataDir: t.TempDir()})
	}()

	// The client nodes retry the bootstrap until the server is listening.
	out, err := runCmd(ctx, "--bootstrap", addr, "put", "greeting", "hello")
	require.NoError(t, err)
	assert.Contains(t, out, "stored greeting")

	out, err = runCmd(ctx, "--bootstrap", addr, "get", "greeting")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}
