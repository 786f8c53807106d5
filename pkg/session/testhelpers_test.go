// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/backup"
	"maunium.net/go/mautrix/id"
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Query  url.Values
	Body   string
}

// fakeHomeserver is a test helper that wraps an httptest.Server simulating
// the parts of the Matrix client-server API the session manager uses. It
// records calls and provides canned responses.
type fakeHomeserver struct {
	Server *httptest.Server

	mu      sync.Mutex
	calls   []endpointCall
	logins  int
	syncs   int
	filters int

	accountData    map[string]json.RawMessage
	backupVersions int
	backup         *mautrix.RespRoomKeysVersion[backup.MegolmAuthData]

	// Password is accepted for any user on m.login.password.
	Password string
	// LoginToken is accepted on m.login.token and logs in as SSOUser.
	LoginToken string
	SSOUser    string
	// FailSync makes /sync return 500.
	FailSync bool
	// FailFilter makes filter uploads return 500.
	FailFilter bool
	// CrossSigningPublished makes /keys/query report cross-signing keys.
	CrossSigningPublished bool
	// RequireUIA makes cross-signing uploads demand password auth first.
	RequireUIA bool
}

func newFakeHomeserver() *fakeHomeserver {
	f := &fakeHomeserver{
		Password:   "hunter2",
		LoginToken:  "sso-token",
		SSOUser:     "@alice:matrix.org",
		accountData: make(map[string]json.RawMessage),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeHomeserver) Close() {
	f.Server.Close()
}

func (f *fakeHomeserver) record(r *http.Request, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query(), Body: body})
}

func (f *fakeHomeserver) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

// CallsTo returns the recorded calls whose path ends with suffix.
func (f *fakeHomeserver) CallsTo(suffix string) []endpointCall {
	var matched []endpointCall
	for _, c := range f.Calls() {
		if strings.HasSuffix(c.Path, suffix) {
			matched = append(matched, c)
		}
	}
	return matched
}

func (f *fakeHomeserver) setFailSync(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.FailSync = fail
}

// update changes the fake's behavior while requests may be in flight.
func (f *fakeHomeserver) update(fn func(f *fakeHomeserver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeMatrixError(w http.ResponseWriter, status int, errcode, message string) {
	writeJSON(w, status, map[string]string{"errcode": errcode, "error": message})
}

func (f *fakeHomeserver) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r, string(body))

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/login":
		f.handleLogin(w, body)
	case r.Method == http.MethodGet && r.URL.Path == "/_matrix/client/v3/sync":
		f.handleSync(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/user/") && strings.HasSuffix(r.URL.Path, "/filter"):
		f.handleFilter(w)
	case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/user/") && strings.Contains(r.URL.Path, "/account_data/"):
		f.handleAccountData(w, r, body)
	case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/keys/query":
		f.handleKeysQuery(w, body)
	case r.Method == http.MethodPost && r.URL.Path == "/_matrix/client/v3/keys/device_signing/upload":
		f.handleCrossSigningUpload(w, body)
	case r.URL.Path == "/_matrix/client/v3/room_keys/version":
		f.handleBackupVersion(w, r, body)
	case r.Method == http.MethodGet && r.URL.Path == "/_matrix/client/v3/room_keys/keys":
		writeJSON(w, http.StatusOK, map[string]any{"rooms": map[string]any{}})
	case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/sendToDevice/"):
		writeJSON(w, http.StatusOK, map[string]any{})
	default:
		writeMatrixError(w, http.StatusNotFound, "M_UNRECOGNIZED", "Unrecognized request")
	}
}

func (f *fakeHomeserver) handleLogin(w http.ResponseWriter, body []byte) {
	var req mautrix.ReqLogin
	if err := json.Unmarshal(body, &req); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}

	var userID string
	switch {
	case req.Type == mautrix.AuthTypePassword && req.Password == f.Password:
		userID = req.Identifier.User
	case req.Type == mautrix.AuthTypeToken && req.Token == f.LoginToken:
		userID = f.SSOUser
	default:
		writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid credentials")
		return
	}

	f.mu.Lock()
	f.logins++
	n := f.logins
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{
		"user_id":      userID,
		"device_id":    fmt.Sprintf("DEVICE%d", n),
		"access_token": fmt.Sprintf("syt_token_%d", n),
	})
}

func (f *fakeHomeserver) handleSync(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	fail := f.FailSync
	f.syncs++
	n := f.syncs
	f.mu.Unlock()
	if fail {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Sync exploded")
		return
	}
	if r.Header.Get("Authorization") == "" {
		writeMatrixError(w, http.StatusUnauthorized, "M_MISSING_TOKEN", "Missing access token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"next_batch": fmt.Sprintf("batch_%d", n),
	})
}

func (f *fakeHomeserver) handleFilter(w http.ResponseWriter) {
	f.mu.Lock()
	fail := f.FailFilter
	f.filters++
	n := f.filters
	f.mu.Unlock()
	if fail {
		writeMatrixError(w, http.StatusInternalServerError, "M_UNKNOWN", "Filter storage exploded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"filter_id": fmt.Sprintf("filter_%d", n)})
}

func (f *fakeHomeserver) handleAccountData(w http.ResponseWriter, r *http.Request, body []byte) {
	const marker = "/account_data/"
	eventType := r.URL.Path[strings.LastIndex(r.URL.Path, marker)+len(marker):]
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodPut:
		f.accountData[eventType] = json.RawMessage(body)
		writeJSON(w, http.StatusOK, map[string]any{})
	case http.MethodGet:
		content, ok := f.accountData[eventType]
		if !ok {
			writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "Account data not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(content)
	default:
		writeMatrixError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "Unsupported method")
	}
}

// AccountData returns the stored account data event of the given type.
func (f *fakeHomeserver) AccountData(eventType string) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.accountData[eventType]
	return content, ok
}

func (f *fakeHomeserver) handleKeysQuery(w http.ResponseWriter, body []byte) {
	var req mautrix.ReqQueryKeys
	if err := json.Unmarshal(body, &req); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	f.mu.Lock()
	published := f.CrossSigningPublished
	f.mu.Unlock()

	crossSigningKey := func(userID id.UserID, usage id.CrossSigningUsage, key string) map[string]any {
		return map[string]any{
			"user_id": userID,
			"usage":   []id.CrossSigningUsage{usage},
			"keys":    map[string]string{"ed25519:" + key: key},
		}
	}
	masterKeys := map[id.UserID]any{}
	selfSigningKeys := map[id.UserID]any{}
	if published {
		for userID := range req.DeviceKeys {
			masterKeys[userID] = crossSigningKey(userID, id.XSUsageMaster, "bWFzdGVyLWtleQ")
			selfSigningKeys[userID] = crossSigningKey(userID, id.XSUsageSelfSigning, "c2VsZi1zaWduaW5n")
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_keys":       map[string]any{},
		"master_keys":       masterKeys,
		"self_signing_keys": selfSigningKeys,
	})
}

func (f *fakeHomeserver) handleCrossSigningUpload(w http.ResponseWriter, body []byte) {
	var req struct {
		Auth *mautrix.ReqUIAuthLogin `json:"auth"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RequireUIA {
		if req.Auth == nil {
			writeJSON(w, http.StatusUnauthorized, map[string]any{
				"session": "uia-session",
				"flows":   []map[string]any{{"stages": []string{"m.login.password"}}},
				"params":  map[string]any{},
			})
			return
		} else if req.Auth.Session != "uia-session" || req.Auth.Password != f.Password {
			writeMatrixError(w, http.StatusForbidden, "M_FORBIDDEN", "Invalid password")
			return
		}
	}
	f.CrossSigningPublished = true
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (f *fakeHomeserver) handleBackupVersion(w http.ResponseWriter, r *http.Request, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch r.Method {
	case http.MethodGet:
		if f.backup == nil {
			writeMatrixError(w, http.StatusNotFound, "M_NOT_FOUND", "No current backup version")
			return
		}
		writeJSON(w, http.StatusOK, f.backup)
	case http.MethodPost:
		var req mautrix.ReqRoomKeysVersionCreate[backup.MegolmAuthData]
		if err := json.Unmarshal(body, &req); err != nil {
			writeMatrixError(w, http.StatusBadRequest, "M_NOT_JSON", err.Error())
			return
		}
		f.backupVersions++
		f.backup = &mautrix.RespRoomKeysVersion[backup.MegolmAuthData]{
			Algorithm: req.Algorithm,
			AuthData:  req.AuthData,
			ETag:      "0",
			Version:   id.KeyBackupVersion(strconv.Itoa(f.backupVersions)),
		}
		writeJSON(w, http.StatusOK, map[string]any{"version": f.backup.Version})
	default:
		writeMatrixError(w, http.StatusMethodNotAllowed, "M_UNRECOGNIZED", "Unsupported method")
	}
}

// setBackup makes key the key of the latest backup version.
func (f *fakeHomeserver) setBackup(key *backup.MegolmBackupKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.backupVersions++
	f.backup = &mautrix.RespRoomKeysVersion[backup.MegolmAuthData]{
		Algorithm: id.KeyBackupAlgorithmMegolmBackupV1,
		AuthData: backup.MegolmAuthData{
			PublicKey: id.Ed25519(base64.RawStdEncoding.EncodeToString(key.PublicKey().Bytes())),
		},
		ETag:    "0",
		Version: id.KeyBackupVersion(strconv.Itoa(f.backupVersions)),
	}
}

// Backup returns the latest backup version, or nil if none was created.
func (f *fakeHomeserver) Backup() *mautrix.RespRoomKeysVersion[backup.MegolmAuthData] {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.backup
}

// recordingEncryption stands in for the crypto helper.
type recordingEncryption struct {
	mu          sync.Mutex
	active      bool
	activations []string
	afterSyncs  int
	closed      bool
	activateErr error
}

func (e *recordingEncryption) Activate(_ context.Context, password string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.activations = append(e.activations, password)
	if e.activateErr != nil {
		return e.activateErr
	}
	e.active = true
	return nil
}

func (e *recordingEncryption) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

func (e *recordingEncryption) AfterSync(context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.afterSyncs++
}

func (e *recordingEncryption) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *recordingEncryption) Activations() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.activations...)
}

// failingWriter rejects every write.
type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, errors.New("output closed")
}

// fakePrompter answers prompts from canned values.
type fakePrompter struct {
	secrets   []string
	secretErr error
	lines     []string
	lineErr   error

	secretTitles []string
	linePrompts  []string
}

func (p *fakePrompter) ReadSecret(title, _ string) (string, error) {
	p.secretTitles = append(p.secretTitles, title)
	if p.secretErr != nil {
		return "", p.secretErr
	}
	if len(p.secrets) == 0 {
		return "", errors.New("no secret queued")
	}
	secret := p.secrets[0]
	p.secrets = p.secrets[1:]
	return secret, nil
}

func (p *fakePrompter) ReadLine(prompt string) (string, error) {
	p.linePrompts = append(p.linePrompts, prompt)
	if p.lineErr != nil {
		return "", p.lineErr
	}
	if len(p.lines) == 0 {
		return "", io.EOF
	}
	line := p.lines[0]
	p.lines = p.lines[1:]
	return line, nil
}

// testEnv bundles a manager wired to a fake homeserver.
type testEnv struct {
	hs       *fakeHomeserver
	cfg      *Config
	manager  *Manager
	prompter *fakePrompter
	enc      *recordingEncryption
	out      *bytes.Buffer
	dir      string
	resolved []string
}

func newTestConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := DefaultConfig()
	if err != nil {
		t.Fatalf("DefaultConfig: %v", err)
	}
	cfg.StoreDir = filepath.Join(t.TempDir(), "states")
	cfg.Sync.Timeout = time.Second
	return cfg
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		hs:       newFakeHomeserver(),
		cfg:      newTestConfig(t),
		prompter: &fakePrompter{},
		enc:      &recordingEncryption{},
		out:      &bytes.Buffer{},
		dir:      t.TempDir(),
	}
	t.Cleanup(env.hs.Close)
	env.manager = NewManager(env.cfg, env.prompter, env.out, zerolog.Nop())
	env.manager.factory.resolveHomeserver = func(_ context.Context, serverName string) (string, error) {
		env.resolved = append(env.resolved, serverName)
		return env.hs.Server.URL, nil
	}
	env.manager.factory.newEncryption = func(*mautrix.Client, *Store, EncryptionConfig, io.Writer, zerolog.Logger) (encryption, error) {
		return env.enc, nil
	}
	return env
}

func (env *testEnv) bundlePath() string {
	return filepath.Join(env.dir, "session.json")
}

// writeTestBundle writes a bundle pointing at the fake homeserver.
func (env *testEnv) writeTestBundle(t *testing.T) *CredentialBundle {
	t.Helper()
	bundle := &CredentialBundle{
		Homeserver:  env.hs.Server.URL,
		UserID:      "@alice:example.org",
		DeviceID:    "DEVICEA",
		AccessToken: "syt_restored",
	}
	if err := WriteBundle(env.bundlePath(), bundle); err != nil {
		t.Fatalf("WriteBundle: %v", err)
	}
	return bundle
}

func closeClient(t *testing.T, client *Client) {
	t.Helper()
	t.Cleanup(func() {
		if err := client.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
}
