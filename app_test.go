package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"tgbatch/internal/config"
	"tgbatch/internal/domain"
	"tgbatch/internal/fileid"

	"github.com/gotd/td/tg"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Telegram = config.TelegramConfig{
		APIID:       1,
		APIHash:     "hash",
		BotToken:    "1:token",
		BotUsername: "filestore_bot",
		LogChannel:  -1001234567890,
	}
	cfg.Access.Admins = []int64{42}
	cfg.Batch.TempDir = t.TempDir()
	cfg.Metrics.Listen = "127.0.0.1:0"
	cfg.MCP.Enabled = true
	return cfg
}

func TestStartupWiresServicesAndShutdownReleasesThem(t *testing.T) {
	cfg := testConfig(t)
	leftover := filepath.Join(cfg.Batch.TempDir, "batch_42_9.json")
	if err := os.WriteFile(leftover, []byte("[]"), 0o600); err != nil {
		t.Fatalf("write leftover manifest: %v", err)
	}
	old := time.Now().Add(-2 * manifestSweepMaxAge)
	if err := os.Chtimes(leftover, old, old); err != nil {
		t.Fatalf("age leftover manifest: %v", err)
	}

	app := NewApp(cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := app.startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer app.shutdown()

	if _, err := os.Stat(app.cfg.DBPath()); err != nil {
		t.Fatalf("expected database file: %v", err)
	}
	if _, err := os.Stat(leftover); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("stale manifest should be swept at startup, stat err = %v", err)
	}

	status, endpoint := app.MCPStatus()
	if status != "running" || endpoint == "" {
		t.Fatalf("unexpected MCP runtime %q %q", status, endpoint)
	}
	stored, err := app.store.GetSettingInt(ctx, "mcp_port", 0)
	if err != nil || stored == 0 {
		t.Fatalf("expected persisted MCP port, got %d %v", stored, err)
	}

	resp, err := http.Get("http://" + app.metricsSrv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before Telegram connects, got %d", resp.StatusCode)
	}

	app.shutdown()
	if app.store != nil || app.metricsSrv != nil || app.scheduler != nil {
		t.Fatal("expected shutdown to release components")
	}
	if status, _ := app.MCPStatus(); status != "stopped" {
		t.Fatalf("expected MCP to be stopped, got %q", status)
	}
}

func TestStartMCPDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.MCP.Enabled = false
	app := NewApp(cfg, nil)
	if err := app.startMCP(context.Background()); err != nil {
		t.Fatalf("startMCP: %v", err)
	}
	if status, _ := app.MCPStatus(); status != "disabled" {
		t.Fatalf("unexpected status %q", status)
	}
}

func TestQueryServiceReadsStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Listen = ""
	cfg.MCP.Enabled = false
	app := NewApp(cfg, zaptest.NewLogger(t))
	ctx := context.Background()
	if err := app.startup(ctx); err != nil {
		t.Fatalf("startup: %v", err)
	}
	defer app.shutdown()

	rec := domain.BatchRecord{
		Token:        "tok1",
		OwnerID:      42,
		SourceChatID: -1001234567890,
		FirstMsgID:   1,
		LastMsgID:    5,
		Files:        3,
		Link:         "https://t.me/filestore_bot?start=BATCH-tok1",
		CreatedAt:    1730000000,
	}
	if err := app.store.InsertBatch(ctx, rec); err != nil {
		t.Fatalf("insert: %v", err)
	}

	query := &queryService{app: app}
	list, err := query.ListBatches(ctx, 42, 10)
	if err != nil || len(list) != 1 || list[0].Token != "tok1" {
		t.Fatalf("ListBatches = %+v, %v", list, err)
	}
	got, err := query.GetBatch(ctx, "tok1")
	if err != nil || got.Files != 3 {
		t.Fatalf("GetBatch = %+v, %v", got, err)
	}
	status, err := query.BotStatus(ctx)
	if err != nil {
		t.Fatalf("BotStatus: %v", err)
	}
	if status.Username != "filestore_bot" || status.Connected || status.BatchCount != 1 || status.UpdatedAtUnix == 0 {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestIsAddressInUse(t *testing.T) {
	if !isAddressInUse(&net.OpError{Op: "listen", Err: syscall.EADDRINUSE}) {
		t.Fatal("expected wrapped EADDRINUSE to match")
	}
	if !isAddressInUse(fmt.Errorf("listen: %w", syscall.EADDRINUSE)) {
		t.Fatal("expected EADDRINUSE to match")
	}
	if isAddressInUse(errors.New("boom")) || isAddressInUse(nil) {
		t.Fatal("expected unrelated errors not to match")
	}
	if got := mcpFailureStatus(syscall.EADDRINUSE, 8080); got != "failed (port in use)" {
		t.Fatalf("unexpected status %q", got)
	}
	if got := mcpFailureStatus(syscall.EADDRINUSE, 0); got != "failed" {
		t.Fatalf("unexpected status %q", got)
	}
}

func TestTokenCommands(t *testing.T) {
	doc := &tg.Document{
		ID:            5420107812359241823,
		AccessHash:    -3216186263218291746,
		FileReference: []byte{1, 2, 3},
		DCID:          2,
		MimeType:      "application/json",
	}
	botID, err := fileid.FromDocument(doc)
	if err != nil {
		t.Fatalf("FromDocument: %v", err)
	}
	token := fileid.Encode(fileid.CompactOf(doc))

	var out bytes.Buffer
	if err := run(context.Background(), &out, "token", "encode", botID, "--bot", "filestore_bot"); err != nil {
		t.Fatalf("token encode: %v", err)
	}
	if got := strings.TrimSpace(out.String()); got != "https://t.me/filestore_bot?start=BATCH-"+token {
		t.Fatalf("unexpected link %q", got)
	}

	out.Reset()
	if err := run(context.Background(), &out, "token", "decode", "https://t.me/filestore_bot?start=BATCH-"+token); err != nil {
		t.Fatalf("token decode: %v", err)
	}
	if !strings.Contains(out.String(), "document id: 5420107812359241823") || !strings.Contains(out.String(), "dc:          2") {
		t.Fatalf("unexpected decode output:\n%s", out.String())
	}

	if err := run(context.Background(), &out, "token", "decode", "%%%"); err == nil {
		t.Fatal("expected garbage token to fail")
	}
}

func TestConfigCheckCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tgbatch.yaml")
	raw := `data_dir: ` + t.TempDir() + `
telegram:
  api_id: 1
  api_hash: hash
  bot_token: "1:token"
  log_channel: -1001234567890
access:
  public: true
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var out bytes.Buffer
	if err := run(context.Background(), &out, "config", "check", path); err != nil {
		t.Fatalf("config check: %v", err)
	}
	if !strings.Contains(out.String(), "Configuration OK") || !strings.Contains(out.String(), "public:      true") {
		t.Fatalf("unexpected output:\n%s", out.String())
	}

	if err := os.WriteFile(path, []byte("telegram:\n  api_id: 1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	err := run(context.Background(), &out, "config", "check", path)
	if !errors.Is(err, domain.ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured for incomplete config, got %v", err)
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	if err := run(context.Background(), &out, "version"); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out.String(), "tgbatch dev") {
		t.Fatalf("unexpected version output %q", out.String())
	}
}
