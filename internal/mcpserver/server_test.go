package mcpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"tgbatch/internal/domain"
)

func TestIsLocalOrigin(t *testing.T) {
	allowed := []string{
		"http://localhost:5173",
		"http://127.0.0.1:3000",
		"http://[::1]:3000",
	}
	for _, candidate := range allowed {
		if !isLocalOrigin(candidate) {
			t.Fatalf("expected local origin: %s", candidate)
		}
	}

	blocked := []string{
		"https://example.com",
		"http://10.0.0.2:8080",
		"not-a-url",
	}
	for _, candidate := range blocked {
		if isLocalOrigin(candidate) {
			t.Fatalf("expected blocked origin: %s", candidate)
		}
	}
}

func TestOriginValidationMiddleware(t *testing.T) {
	handler := withOriginValidation(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected passthrough without origin, got %d", rec.Code)
	}
}

type stubQueryService struct {
	lastOwner int64
	lastLimit int
}

func (s *stubQueryService) ListBatches(_ context.Context, ownerID int64, limit int) ([]domain.BatchRecord, error) {
	s.lastOwner, s.lastLimit = ownerID, limit
	return []domain.BatchRecord{sampleRecord()}, nil
}

func (s *stubQueryService) GetBatch(_ context.Context, token string) (domain.BatchRecord, error) {
	if token != "BQADAgADXwAB_p9WFzhL3vthOaLPXdMWBA" {
		return domain.BatchRecord{}, domain.ErrNotFound
	}
	return sampleRecord(), nil
}

func (s *stubQueryService) BotStatus(context.Context) (domain.BotStatus, error) {
	return domain.BotStatus{Username: "filestore_bot", Connected: true, BatchCount: 1}, nil
}

func sampleRecord() domain.BatchRecord {
	return domain.BatchRecord{
		Token:        "BQADAgADXwAB_p9WFzhL3vthOaLPXdMWBA",
		OwnerID:      42,
		SourceChatID: -1001234567890,
		SourceTitle:  "Films",
		FirstMsgID:   10,
		LastMsgID:    30,
		Files:        12,
		Link:         "https://t.me/filestore_bot?start=BATCH-BQADAgADXwAB_p9WFzhL3vthOaLPXdMWBA",
		CreatedAt:    1730000010,
		Manifest:     domain.Document{MsgID: 77},
	}
}

func TestListBatchesToolStructuredOutputShape(t *testing.T) {
	query := &stubQueryService{}
	server := New(query, "test", nil)
	result, payload, err := server.listBatchesTool(context.Background(), nil, &listBatchesInput{OwnerID: 42})
	if err != nil {
		t.Fatalf("listBatchesTool failed: %v", err)
	}
	if result == nil {
		t.Fatalf("expected non-nil CallToolResult")
	}
	output, ok := payload.(listBatchesOutput)
	if !ok {
		t.Fatalf("expected listBatchesOutput payload, got %T", payload)
	}
	if len(output.Batches) != 1 || query.lastOwner != 42 || query.lastLimit != 20 {
		t.Fatalf("unexpected output %+v owner=%d limit=%d", output, query.lastOwner, query.lastLimit)
	}
	first := output.Batches[0]
	if first.SourceLink != "https://t.me/c/1234567890/10" || first.ManifestMsg != 77 {
		t.Fatalf("unexpected batch result %+v", first)
	}
}

func TestGetBatchToolAcceptsLinks(t *testing.T) {
	server := New(&stubQueryService{}, "test", nil)
	_, payload, err := server.getBatchTool(context.Background(), nil, &tokenInput{
		Token: "https://t.me/filestore_bot?start=BATCH-BQADAgADXwAB_p9WFzhL3vthOaLPXdMWBA",
	})
	if err != nil {
		t.Fatalf("getBatchTool failed: %v", err)
	}
	output, ok := payload.(getBatchOutput)
	if !ok || output.Batch.Files != 12 {
		t.Fatalf("unexpected payload %#v", payload)
	}

	if _, _, err := server.getBatchTool(context.Background(), nil, &tokenInput{}); err == nil {
		t.Fatal("expected empty token to fail")
	}
}

func TestDecodeTokenTool(t *testing.T) {
	server := New(&stubQueryService{}, "test", nil)
	_, payload, err := server.decodeTokenTool(context.Background(), nil, &tokenInput{Token: "BATCH-BQADAgADXwAB_p9WFzhL3vthOaLPXdMWBA"})
	if err != nil {
		t.Fatalf("decodeTokenTool failed: %v", err)
	}
	output, ok := payload.(decodeTokenOutput)
	if !ok {
		t.Fatalf("expected decodeTokenOutput payload, got %T", payload)
	}
	if output.Type != 5 || output.DC != 2 || output.DocumentID != 5420107812359241823 || output.AccessHash != -3216186263218291746 {
		t.Fatalf("unexpected decode %+v", output)
	}

	if _, _, err := server.decodeTokenTool(context.Background(), nil, &tokenInput{Token: "%%%"}); err == nil {
		t.Fatal("expected garbage token to fail")
	}
}

func TestBotStatusToolAndLifecycle(t *testing.T) {
	server := New(&stubQueryService{}, "test", nil)
	if err := server.Start(0); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer server.Stop(context.Background())
	if server.Endpoint() == "" {
		t.Fatal("expected endpoint after start")
	}

	_, payload, err := server.botStatusTool(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("botStatusTool failed: %v", err)
	}
	output, ok := payload.(botStatusOutput)
	if !ok || !output.Status.Connected || output.MCPEndpoint != server.Endpoint() {
		t.Fatalf("unexpected status %#v", payload)
	}

	if err := server.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if server.Endpoint() != "" {
		t.Fatal("expected endpoint to be cleared")
	}
}
