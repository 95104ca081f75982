package endpoint

import (
	"crypto/ed25519"
	"net"
	"path"
	"strconv"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidelake/compute-plane/internal/auth"
	"github.com/tidelake/compute-plane/internal/compute"
)

// listenOnLoopback grabs a real port so the status probe has something to
// connect to.
func listenOnLoopback(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return listener.Addr().(*net.TCPAddr).Port
}

// unusedPort grabs and immediately releases a port, so connecting to it
// fails.
func unusedPort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

func TestStatusDerivation(t *testing.T) {
	for _, tc := range []struct {
		name      string
		marker    bool
		listening bool
		expected  Status
	}{
		{name: "marker and listener", marker: true, listening: true, expected: StatusRunning},
		{name: "neither", marker: false, listening: false, expected: StatusStopped},
		{name: "marker only", marker: true, listening: false, expected: StatusCrashed},
		{name: "listener only", marker: false, listening: true, expected: StatusRunningNoPidfile},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			registry := newTestRegistry(t, fs)

			port := unusedPort(t)
			if tc.listening {
				port = listenOnLoopback(t)
			}

			ep, err := registry.Create(CreateParams{
				ID:       "probe",
				Mode:     compute.ModeReplica,
				DataPort: port,
			})
			require.NoError(t, err)

			if tc.marker {
				marker := path.Join(ep.pgdata(), engineMarkerFile)
				require.NoError(t, afero.WriteFile(fs, marker, []byte("12345"), 0o644))
			}

			assert.Equal(t, tc.expected, ep.Status())
		})
	}
}

func TestAddresses(t *testing.T) {
	registry := newTestRegistry(t, afero.NewMemMapFs())
	ep := createTestEndpoint(t, registry, "addr", compute.ModeReplica)

	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(ep.DataPort), ep.DataAddr())
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(ep.ExternalControlPort), ep.ExternalControlAddr())
	assert.Equal(t, "127.0.0.1:"+strconv.Itoa(ep.InternalControlPort), ep.InternalControlAddr())
	assert.Equal(t,
		"postgresql://app@127.0.0.1:"+strconv.Itoa(ep.DataPort)+"/appdb",
		ep.ConnString("app", "appdb"))
	assert.Equal(t, "/data/endpoints/addr", ep.Dir())
}

func TestGenerateToken(t *testing.T) {
	registry := newTestRegistry(t, afero.NewMemMapFs())
	ep := createTestEndpoint(t, registry, "tokens", compute.ModeReplica)

	public, err := registry.env.signer.PublicKey()
	require.NoError(t, err)
	verifier := auth.NewVerifier([]ed25519.PublicKey{public})

	t.Run("endpoint scope carries the subject", func(t *testing.T) {
		token, err := ep.GenerateToken(auth.ScopeTenantEndpoint)
		require.NoError(t, err)

		claims, err := verifier.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, auth.ScopeTenantEndpoint, claims.Scope)
		assert.Equal(t, "tokens", claims.SubjectEndpoint)
		assert.Empty(t, claims.Audience)
	})

	t.Run("admin scope carries the audience", func(t *testing.T) {
		token, err := ep.GenerateToken(auth.ScopeAdmin)
		require.NoError(t, err)

		claims, err := verifier.Verify(token)
		require.NoError(t, err)
		assert.Equal(t, auth.ScopeAdmin, claims.Scope)
		assert.Empty(t, claims.SubjectEndpoint)
		assert.Equal(t, []string{auth.Audience}, claims.Audience)
	})
}

func TestReadEngineConf(t *testing.T) {
	fs := afero.NewMemMapFs()
	registry := newTestRegistry(t, fs)
	ep := createTestEndpoint(t, registry, "conf", compute.ModeReplica)

	conf, err := ep.readEngineConf()
	require.NoError(t, err)
	assert.Contains(t, conf, "listen_addresses=127.0.0.1\n")

	// A missing settings document reads as empty, not as an error.
	require.NoError(t, fs.Remove(path.Join(ep.Dir(), engineConfFile)))
	conf, err = ep.readEngineConf()
	require.NoError(t, err)
	assert.Empty(t, conf)
}
