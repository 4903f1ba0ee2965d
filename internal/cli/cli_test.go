package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/andybalholm/cascadia"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/vincentbai/clicktrace-agent/internal/bridge"
	"github.com/vincentbai/clicktrace-agent/internal/config"
	"github.com/vincentbai/clicktrace-agent/internal/database"
	"github.com/vincentbai/clicktrace-agent/internal/page"
	"github.com/vincentbai/clicktrace-agent/internal/server"
)

const observedDocument = `<html><head><title>Portal</title></head><body>
<lib-header-user-name><input id="login" value="ivan.petrov"></lib-header-user-name>
<a id="reports" href="/reports">Reports</a>
<button id="submit" aria-label="Submit"></button>
</body></html>`

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "clicktrace-agent", cmd.Use)
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()

	for _, cmdName := range []string{"serve", "observe", "clicks"} {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestInvalidFormat(t *testing.T) {
	cmd := NewRootCommand()
	cmd.SetArgs([]string{"clicks", "--format", "xml"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestObserveAndListClicks(t *testing.T) {
	dir := t.TempDir()
	databasePath := filepath.Join(dir, "clicks.db")
	db, err := database.NewDatabase(databasePath)
	require.NoError(t, err)
	defer db.Close()

	collector := httptest.NewServer(server.NewServer(db, "", nil).Handler())
	defer collector.Close()

	documentPath := filepath.Join(dir, "home.html")
	require.NoError(t, os.WriteFile(documentPath, []byte(observedDocument), 0o644))
	configPath := filepath.Join(dir, "clicktrace.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
collector_origin: `+collector.URL+`
database_path: `+databasePath+`
routes:
  user_login: /user_login
identity:
  direct_query: //input[@id='login']
`), 0o644))

	var stdout bytes.Buffer
	cmd := NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"observe", "--config", configPath, "--format", "json",
		"--url", "https://portal.example.com/home",
		"--click", "#submit", "--click", "#reports", "--click", "#nowhere",
		"--settle", "2s",
		documentPath,
	})
	require.NoError(t, cmd.Execute())

	var result ObserveResult
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &result))
	assert.Equal(t, int64(2), result.Emitted)
	assert.Equal(t, 1, result.Missing)
	assert.Equal(t, "resolved", result.IdentityState)
	require.NotNil(t, result.UserLogin)
	assert.Equal(t, "ivan.petrov", *result.UserLogin)

	count, err := db.CountClicks()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stdout.Reset()
	cmd = NewRootCommand()
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"clicks", "--config", configPath, "--format", "json"})
	require.NoError(t, cmd.Execute())

	var clicks []StoredClickOutput
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &clicks))
	require.Len(t, clicks, 2)
	texts := []string{clicks[0].Text, clicks[1].Text}
	assert.ElementsMatch(t, []string{"Submit", "Reports"}, texts)
}

func TestObserveRejectsBadSelector(t *testing.T) {
	documentPath := filepath.Join(t.TempDir(), "home.html")
	require.NoError(t, os.WriteFile(documentPath, []byte(observedDocument), 0o644))

	cmd := NewRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"observe", "--url", "https://portal.example.com/", "--click", "button[", documentPath})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --click selector")
}

func TestWriteResultText(t *testing.T) {
	var out bytes.Buffer
	login := "ivan.petrov"
	require.NoError(t, writeResult(&out, "text", ObserveResult{
		PageID:        "page-1",
		Emitted:       2,
		IdentityState: "resolved",
		UserLogin:     &login,
	}))
	assert.Contains(t, out.String(), "page page-1: 2 emitted")
	assert.Contains(t, out.String(), "identity: ivan.petrov (resolved)")
}

type recordingDeliverer struct {
	mu    sync.Mutex
	paths []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, path string, _ json.RawMessage) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paths = append(d.paths, path)
}

func TestObserveTearsDownWhenPageCloses(t *testing.T) {
	document := `<html><body><button id="first">First</button><button id="second">Second</button></body></html>`
	p, err := page.Load("https://portal.example.com/", strings.NewReader(document))
	require.NoError(t, err)
	t.Cleanup(p.Close)

	var first *html.Node
	require.NoError(t, p.Do(func() { first = page.FindByID(p.Root(), "first") }))
	p.AddEventListener(first, page.EventClick, func(*page.Event) { p.Close() }, false)

	opts := &ObserveOptions{Clicks: []string{"#first", "#second"}}
	selectors := make([]cascadia.Sel, 0, len(opts.Clicks))
	for _, raw := range opts.Clicks {
		selector, err := cascadia.Parse(raw)
		require.NoError(t, err)
		selectors = append(selectors, selector)
	}

	channel := bridge.New(16, nil)
	deliverer := &recordingDeliverer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	_, err = observe(p, channel, deliverer, config.DefaultConfig(), selectors, opts, logger)
	require.ErrorIs(t, err, page.ErrClosed)
	assert.True(t, p.Closed())

	_, err = channel.Receive(context.Background())
	assert.ErrorIs(t, err, bridge.ErrClosed)

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	assert.Equal(t, []string{"/click"}, deliverer.paths)
}
