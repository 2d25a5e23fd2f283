package agent

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/guseggert/diagstream/agent/stream"
	inet "github.com/guseggert/diagstream/internal/net"
	"github.com/guseggert/diagstream/tools"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func startAgent(t *testing.T, opts ...Option) *Agent {
	t.Helper()
	addr, err := inet.FreeLocalAddr()
	require.NoError(t, err)
	a, err := NewAgent(append([]Option{WithListenAddr(addr)}, opts...)...)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run() }()
	select {
	case <-a.Ready():
	case err := <-errCh:
		t.Fatalf("agent exited before listening: %s", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for agent to listen")
	}
	t.Cleanup(func() {
		require.NoError(t, a.Stop())
	})
	return a
}

func newClient(t *testing.T, a *Agent, opts ...ClientOption) *Client {
	t.Helper()
	c, err := NewClient(log, "http://"+a.Addr().String(), opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.WaitForServer(ctx))
	return c
}

func TestHeartbeat(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a)

	resp, err := c.SendHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Sessions)
}

func TestClientIP(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a)

	ip, err := c.ClientIP(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", ip)
}

func TestListTools(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a)

	infos, err := c.Tools(context.Background())
	require.NoError(t, err)

	var names []string
	for _, info := range infos {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{"mtr", "ping", "tracepath", "traceroute"}, names)

	for _, info := range infos {
		if info.Name == "mtr" {
			assert.True(t, info.RequiresPTY)
		}
		if info.Name == "ping" {
			require.NotEmpty(t, info.Params)
			assert.Equal(t, "count", info.Params[0].Name)
		}
	}
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>diag</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	a := startAgent(t, WithStaticDir(dir))
	c := newClient(t, a)
	base := "http://" + a.Addr().String()

	get := func(path string) (int, string) {
		resp, err := c.HTTPClient.Get(base + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(b)
	}

	code, body := get("/")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "<html>diag</html>", body)

	code, body = get("/static/app.js")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "console.log(1)", body)

	code, _ = get("/static/nope.js")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestNoStaticDir(t *testing.T) {
	a := startAgent(t)
	c := newClient(t, a)

	resp, err := c.HTTPClient.Get("http://" + a.Addr().String() + "/")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestTLS(t *testing.T) {
	cert, err := GenerateSelfSignedCert("localhost", "127.0.0.1")
	require.NoError(t, err)
	a := startAgent(t, WithTLS(cert.CertPEMBytes, cert.KeyPEMBytes))
	base := "https://" + a.Addr().String()

	tlsConfig, err := ClientTLSConfig(cert.CertPEMBytes)
	require.NoError(t, err)
	c, err := NewClient(log, base, WithClientTLSConfig(tlsConfig))
	require.NoError(t, err)
	resp, err := c.SendHeartbeat(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Status)

	// a client that doesn't trust the cert must be rejected
	untrusting, err := NewClient(log, base, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)
	_, err = untrusting.SendHeartbeat(context.Background())
	require.ErrorContains(t, err, "certificate")
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(log, "ftp://localhost:8000")
	require.Error(t, err)
}

func TestStreamThroughAgent(t *testing.T) {
	reg := tools.NewRegistry(tools.Spec{Name: "echo", Base: []string{"echo"}})
	a := startAgent(t, WithTools(reg))
	c := newClient(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sc, st, err := c.StartTool(ctx, stream.StartTool("echo", "hello-agent", nil))
	require.NoError(t, err)
	defer sc.Close()
	assert.Equal(t, stream.StatusRunning, st.Status)
	assert.Equal(t, "Started echo hello-agent", st.Message)

	var out bytes.Buffer
	for {
		ev, err := sc.Next(ctx)
		require.NoError(t, err)
		if ev.Status != nil {
			assert.Equal(t, stream.StatusStopped, ev.Status.Status)
			assert.Equal(t, st.SessionID, ev.Status.SessionID)
			break
		}
		out.Write(ev.Output)
	}
	assert.Contains(t, out.String(), "hello-agent")

	// the finished session is gone from the registry
	assert.Eventually(t, func() bool {
		hb, err := c.SendHeartbeat(ctx)
		return err == nil && hb.Sessions == 0
	}, 5*time.Second, 50*time.Millisecond)
}

func TestDisconnectReleasesSessions(t *testing.T) {
	reg := tools.NewRegistry(tools.Spec{Name: "sleep", Base: []string{"sh", "-c", "sleep 30"}})
	a := startAgent(t, WithTools(reg))
	c := newClient(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sc, _, err := c.StartTool(ctx, stream.StartTool("sleep", "x", nil))
	require.NoError(t, err)

	hb, err := c.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, hb.Sessions)
	assert.Equal(t, 1, hb.Connections)

	require.NoError(t, sc.Close())

	assert.Eventually(t, func() bool {
		hb, err := c.SendHeartbeat(ctx)
		return err == nil && hb.Sessions == 0 && hb.Connections == 0
	}, 10*time.Second, 50*time.Millisecond)
}
