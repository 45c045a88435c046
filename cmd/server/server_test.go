package main

import (
	"bufio"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"log/slog"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickyhof/dotdata"
	"github.com/nickyhof/dotdata/core"
	"github.com/nickyhof/dotdata/db"
	"github.com/nickyhof/dotdata/ps"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newInstance(t *testing.T) (*dotdata.Instance, *ps.Persistence) {
	t.Helper()
	persistence, err := ps.NewMemoryPersistence()
	require.NoError(t, err)
	return dotdata.Open(persistence).WithOptions(db.Options{Logger: quiet}), persistence
}

func setupTestServer(t *testing.T) (*Server, func()) {
	instance, _ := newInstance(t)
	server := NewServer(instance, core.Identity{Name: "test", Email: "test@test.com"}).WithLogger(quiet)
	require.NoError(t, server.Start("127.0.0.1:0"))
	return server, func() { server.Stop() }
}

// client is one persistent connection.
type client struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *client {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *client) send(line string) Response {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
	data, err := c.reader.ReadString('\n')
	require.NoError(c.t, err)
	var resp Response
	require.NoError(c.t, json.Unmarshal([]byte(data), &resp))
	return resp
}

func sendScript(t *testing.T, addr, script string) Response {
	return dial(t, addr).send(script)
}

func report(t *testing.T, resp Response) db.Report {
	t.Helper()
	var r db.Report
	require.NoError(t, json.Unmarshal(resp.Result, &r))
	return r
}

func TestServerStartStop(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	assert.NotEmpty(t, server.Addr())
	assert.False(t, server.TLSEnabled())
}

func TestServerInsertAndFind(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	resp := sendScript(t, server.Addr(), `INSERT users {"_id": "u1", "name": "Alice"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "result", resp.Type)
	assert.Equal(t, 1, report(t, resp).Outcomes[0].Inserted)

	resp = sendScript(t, server.Addr(), `FIND users WHERE name = "Alice"`)
	require.True(t, resp.Success, resp.Error)
	r := report(t, resp)
	require.Len(t, r.Outcomes, 1)
	assert.Equal(t, "FIND", r.Outcomes[0].Operation)
	assert.Equal(t, 1, r.Outcomes[0].Count)
}

func TestServerJSONRequest(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	request, err := json.Marshal(Request{Script: "=== Seed ===\nINSERT items [{\"_id\": 1}, {\"_id\": 2}]\nCOUNT items"})
	require.NoError(t, err)

	resp := sendScript(t, server.Addr(), string(request))
	require.True(t, resp.Success, resp.Error)
	r := report(t, resp)
	assert.Equal(t, []string{"Seed"}, r.Sections)
	require.Len(t, r.Outcomes, 2)
	assert.Equal(t, 2, r.Outcomes[1].Count)
}

func TestServerErrors(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	tests := []struct {
		name   string
		script string
		kind   string
	}{
		{"syntax", "SELEKT * FROM foo", "ParseError"},
		{"unknown variable", `INSERT users {"name": "{{missing}}"}`, "ResolveError"},
		{"bad json request", `{"script": `, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := sendScript(t, server.Addr(), tt.script)
			assert.False(t, resp.Success)
			assert.NotEmpty(t, resp.Error)
			assert.Equal(t, tt.kind, resp.ErrorKind)
		})
	}
}

func TestServerPartialResultOnFailure(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	request, err := json.Marshal(Request{Script: "INSERT users {\"_id\": \"u1\"}\nINSERT users {\"_id\": \"u1\"}\nCOUNT users"})
	require.NoError(t, err)

	resp := sendScript(t, server.Addr(), string(request))
	assert.False(t, resp.Success)
	assert.Equal(t, "DuplicateKeyError", resp.ErrorKind)
	r := report(t, resp)
	require.Len(t, r.Outcomes, 2)
	assert.Equal(t, 1, r.Outcomes[0].Inserted)
	assert.Equal(t, "DuplicateKeyError", r.Outcomes[1].ErrorKind)
}

func TestServerSessionKeepsState(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())
	for _, line := range []string{
		`@CHANGE_TAG = "session"`,
		`@owner = "alice"`,
		`INSERT notes {"_id": "n1", "owner": "{{owner}}"}`,
	} {
		resp := c.send(line)
		require.True(t, resp.Success, "%s: %s", line, resp.Error)
	}

	resp := c.send(`ROLLBACK_CHANGES WHERE tag = "session"`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, 1, report(t, resp).Outcomes[0].RolledBack)

	// a second connection has its own ledger
	other := sendScript(t, server.Addr(), `ROLLBACK_CHANGES`)
	require.True(t, other.Success, other.Error)
	assert.Zero(t, report(t, other).Outcomes[0].RolledBack)
}

func TestServerQuit(t *testing.T) {
	server, cleanup := setupTestServer(t)
	defer cleanup()

	c := dial(t, server.Addr())
	_, err := c.conn.Write([]byte("quit\n"))
	require.NoError(t, err)
	_, err = c.reader.ReadString('\n')
	assert.ErrorIs(t, err, io.EOF)
}

func TestServerStopClosesConnections(t *testing.T) {
	instance, _ := newInstance(t)
	server := NewServer(instance, core.Identity{Name: "test", Email: "test@test.com"}).WithLogger(quiet)
	require.NoError(t, server.Start("127.0.0.1:0"))

	c := dial(t, server.Addr())
	require.True(t, c.send(`BEGIN_TRANSACTION`).Success)

	done := make(chan error)
	go func() { done <- server.Stop() }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return with an open connection")
	}
}

func setupAuthTestServer(t *testing.T, secret string) (*Server, *ps.Persistence, func()) {
	instance, persistence := newInstance(t)
	server := NewServerWithAuth(instance, &AuthConfig{Enabled: true, JWTSecret: secret}).WithLogger(quiet)
	require.NoError(t, server.Start("127.0.0.1:0"))
	return server, persistence, func() { server.Stop() }
}

func createTestJWT(t *testing.T, secret, name, email string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"name":  name,
		"email": email,
		"exp":   time.Now().Add(expiresIn).Unix(),
	})
	tokenString, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return tokenString
}

func TestAuthRequired(t *testing.T) {
	server, _, cleanup := setupAuthTestServer(t, "test-secret")
	defer cleanup()

	resp := sendScript(t, server.Addr(), `INSERT users {"_id": "u1"}`)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "authentication required")
}

func TestAuthWithValidJWT(t *testing.T) {
	secret := "test-secret"
	server, persistence, cleanup := setupAuthTestServer(t, secret)
	defer cleanup()

	c := dial(t, server.Addr())
	resp := c.send("AUTH JWT " + createTestJWT(t, secret, "Test User", "test@example.com", time.Hour))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "auth", resp.Type)

	var authResp AuthResponse
	require.NoError(t, json.Unmarshal(resp.Result, &authResp))
	assert.True(t, authResp.Authenticated)
	assert.Equal(t, "Test User <test@example.com>", authResp.Identity)
	assert.Positive(t, authResp.ExpiresIn)

	resp = c.send(`INSERT users {"_id": "u1"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Test User <test@example.com>", persistence.LatestTransaction().Author)
}

func TestAuthRejected(t *testing.T) {
	secret := "test-secret"
	server, _, cleanup := setupAuthTestServer(t, secret)
	defer cleanup()

	tests := []struct {
		name string
		line string
	}{
		{"wrong secret", "AUTH JWT " + createTestJWT(t, "wrong-secret", "Test User", "test@example.com", time.Hour)},
		{"expired", "AUTH JWT " + createTestJWT(t, secret, "Test User", "test@example.com", -time.Hour)},
		{"no identity", "AUTH JWT " + createTestJWT(t, secret, "", "", time.Hour)},
		{"unsupported type", "AUTH BASIC dXNlcjpwYXNz"},
		{"missing token", "AUTH JWT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := dial(t, server.Addr())
			resp := c.send(tt.line)
			assert.False(t, resp.Success)
			assert.Equal(t, "auth", resp.Type)
			assert.NotEmpty(t, resp.Error)

			resp = c.send(`COUNT users`)
			assert.Contains(t, resp.Error, "authentication required")
		})
	}
}

func TestAuthIssuerAndAudience(t *testing.T) {
	secret := "test-secret"
	instance, _ := newInstance(t)
	server := NewServerWithAuth(instance, &AuthConfig{
		Enabled:   true,
		JWTSecret: secret,
		Issuer:    "https://issuer.example.com",
		Audience:  "dotdata",
	}).WithLogger(quiet)

	sign := func(claims jwt.MapClaims) string {
		token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		require.NoError(t, err)
		return token
	}

	result := server.validateJWT(sign(jwt.MapClaims{"email": "a@example.com", "iss": "https://issuer.example.com", "aud": "dotdata"}))
	require.NoError(t, result.err)
	assert.Equal(t, "a@example.com", result.identity.Email)

	result = server.validateJWT(sign(jwt.MapClaims{"email": "a@example.com", "iss": "https://other.example.com", "aud": "dotdata"}))
	assert.ErrorIs(t, result.err, jwt.ErrTokenInvalidIssuer)

	result = server.validateJWT(sign(jwt.MapClaims{"email": "a@example.com", "iss": "https://issuer.example.com", "aud": "other"}))
	assert.ErrorIs(t, result.err, jwt.ErrTokenInvalidAudience)
}

func TestIdentityInCommitsUnauthenticated(t *testing.T) {
	instance, persistence := newInstance(t)
	server := NewServer(instance, core.Identity{Name: "Default User", Email: "default@test.com"}).WithLogger(quiet)
	require.NoError(t, server.Start("127.0.0.1:0"))
	defer server.Stop()

	resp := sendScript(t, server.Addr(), `INSERT users {"_id": "u1"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "Default User <default@test.com>", persistence.LatestTransaction().Author)
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		line    string
		want    string
		wantErr bool
	}{
		{"COUNT users", "COUNT users", false},
		{"  FIND users  ", "FIND users", false},
		{`{"script": "COUNT users\nFIND users"}`, "COUNT users\nFIND users", false},
		{`{"script": 1}`, "", true},
	}
	for _, tt := range tests {
		req, err := DecodeRequest(tt.line)
		if tt.wantErr {
			assert.Error(t, err, tt.line)
			continue
		}
		require.NoError(t, err, tt.line)
		assert.Equal(t, tt.want, req.Script)
	}
}

func TestParseAuthCommand(t *testing.T) {
	authType, token, err := parseAuthCommand("auth jwt abc.def.ghi")
	require.NoError(t, err)
	assert.Equal(t, "JWT", authType)
	assert.Equal(t, "abc.def.ghi", token)

	for _, line := range []string{"INSERT users {}", "AUTH", "AUTH JWT a b", "AUTH KERBEROS x"} {
		_, _, err := parseAuthCommand(line)
		assert.Error(t, err, line)
	}
	assert.True(t, isAuthCommand("Auth JWT x"))
	assert.False(t, isAuthCommand("AUTHORS"))
}

// === TLS ===

func setupTLSTestServer(t *testing.T) (*Server, string, func()) {
	t.Helper()
	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	generateTestCertificate(t, certFile, keyFile)

	instance, _ := newInstance(t)
	server := NewServer(instance, core.Identity{Name: "test", Email: "test@test.com"}).WithLogger(quiet)
	require.NoError(t, server.StartTLS("127.0.0.1:0", certFile, keyFile))
	return server, certFile, func() { server.Stop() }
}

func generateTestCertificate(t *testing.T, certFile, keyFile string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.IPv6loopback},
		DNSNames:     []string{"localhost"},
	}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))
}

func TestTLSServerConnection(t *testing.T) {
	server, certFile, cleanup := setupTLSTestServer(t)
	defer cleanup()
	assert.True(t, server.TLSEnabled())

	certPool := x509.NewCertPool()
	certData, err := os.ReadFile(certFile)
	require.NoError(t, err)
	require.True(t, certPool.AppendCertsFromPEM(certData))

	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", server.Addr(), &tls.Config{
		RootCAs:    certPool,
		ServerName: "localhost",
	})
	require.NoError(t, err)
	defer conn.Close()

	c := &client{t: t, conn: conn, reader: bufio.NewReader(conn)}
	resp := c.send(`INSERT users {"_id": "u1"}`)
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "result", resp.Type)
}

func TestTLSServerUntrustedCert(t *testing.T) {
	server, _, cleanup := setupTLSTestServer(t)
	defer cleanup()

	_, err := tls.DialWithDialer(&net.Dialer{Timeout: 2 * time.Second}, "tcp", server.Addr(), &tls.Config{
		ServerName: "localhost",
	})
	assert.Error(t, err)
}

func TestStartTLSMissingKeyPair(t *testing.T) {
	instance, _ := newInstance(t)
	server := NewServer(instance, core.Identity{}).WithLogger(quiet)
	err := server.StartTLS("127.0.0.1:0", "missing-cert.pem", "missing-key.pem")
	assert.Error(t, err)
	assert.False(t, server.TLSEnabled())
}
