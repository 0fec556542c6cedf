package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Amnesic-Systems/tessera/internal/enclave"
	"github.com/Amnesic-Systems/tessera/internal/enclave/noop"
	"github.com/Amnesic-Systems/tessera/internal/ias/iastest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestParseFlags(t *testing.T) {
	envFile := writeFile(t, t.TempDir(), ".env", []byte(envAPIKey+"=from-env-file\n"))

	cases := []struct {
		name    string
		args    []string
		wantErr bool
		check   func(*testing.T, map[string]string, string)
	}{
		{
			name: "defaults",
			check: func(t *testing.T, problems map[string]string, _ string) {
				require.Contains(t, problems, "-service")
				require.Contains(t, problems, "-topology")
				require.NotContains(t, problems, "-ias-host")
				require.NotContains(t, problems, "-producer")
			},
		},
		{
			name: "noop producer requires insecure",
			args: []string{"-producer", enclave.TypeNoop},
			check: func(t *testing.T, problems map[string]string, _ string) {
				require.Contains(t, problems, "-producer")
			},
		},
		{
			name: "insecure testing setup",
			args: []string{
				"-insecure",
				"-producer", enclave.TypeNoop,
				"-auditor-threshold", "0",
				"-service", "frontend",
				"-topology", "topology.yaml",
				"-enclave-info", "enclave_info.toml",
				"-ias-root-cas", "roots.pem",
				"-report-root-cas", "roots.pem",
			},
			check: func(t *testing.T, problems map[string]string, _ string) {
				require.Empty(t, problems)
			},
		},
		{
			name: "api key from env file",
			args: []string{"-env-file", envFile},
			check: func(t *testing.T, _ map[string]string, apiKey string) {
				require.Equal(t, "from-env-file", apiKey)
			},
		},
		{
			name:    "missing env file",
			args:    []string{"-env-file", "/does/not/exist"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"-foo"},
			wantErr: true,
		},
		{
			name:    "bad app web server",
			args:    []string{"-app-web-srv", "://"},
			wantErr: true,
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			// godotenv never overrides variables that are already set.
			t.Setenv(envAPIKey, "")
			os.Unsetenv(envAPIKey)

			cfg, err := parseFlags(new(bytes.Buffer), c.args)
			if c.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			c.check(t, cfg.Validate(), cfg.IASAPIKey)
		})
	}
}

func TestRunInvalidConfig(t *testing.T) {
	err := run(context.Background(), new(bytes.Buffer), []string{"-producer", "nope"})
	require.ErrorContains(t, err, "invalid configuration")
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().String()
}

func TestRun(t *testing.T) {
	var (
		dir       = t.TempDir()
		authority = iastest.NewAuthority(t)
		srv       = authority.Start()
		roots     = writeFile(t, dir, "roots.pem", authority.RootPEM())
		m         = noop.NewProducer().Measurement()
		intAddr   = freeAddr(t)
		extAddr   = freeAddr(t)
	)
	info := writeFile(t, dir, "enclave_info.toml", []byte(fmt.Sprintf(
		"[frontend]\nmr_enclave = %q\nmr_signer = %q\n",
		hex.EncodeToString(m.MREnclave[:]),
		hex.EncodeToString(m.MRSigner[:]),
	)))
	topo := writeFile(t, dir, "topology.yaml", []byte(fmt.Sprintf(
		"services:\n  frontend:\n    internal:\n      listen_address: %s\n    api:\n      listen_address: %s\n",
		intAddr, extAddr,
	)))
	t.Setenv(envAPIKey, iastest.APIKey)

	var (
		ctx, cancel = context.WithCancel(context.Background())
		wg          = new(sync.WaitGroup)
	)
	defer func() {
		cancel()
		wg.Wait()
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		// run blocks until the context is canceled.
		assert.NoError(t, run(ctx, os.Stderr, []string{
			"-insecure",
			"-producer", enclave.TypeNoop,
			"-auditor-threshold", "0",
			"-service", "frontend",
			"-topology", topo,
			"-enclave-info", info,
			"-ias-host", iastest.ServerName,
			"-ias-addr", srv.Listener.Addr().String(),
			"-ias-root-cas", roots,
			"-report-root-cas", roots,
		}))
	}()

	client := &http.Client{Transport: &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}}
	require.Eventually(t, func() bool {
		resp, err := client.Get("https://" + extAddr + "/tessera")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)
	require.Equal(t, 1, authority.Requests())
}
