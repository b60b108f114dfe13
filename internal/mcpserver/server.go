package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tgbatch/internal/domain"
	"tgbatch/internal/fileid"
	"tgbatch/internal/links"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"
)

type QueryService interface {
	ListBatches(ctx context.Context, ownerID int64, limit int) ([]domain.BatchRecord, error)
	GetBatch(ctx context.Context, token string) (domain.BatchRecord, error)
	BotStatus(ctx context.Context) (domain.BotStatus, error)
}

type Server struct {
	mu        sync.RWMutex
	query     QueryService
	logger    *zap.Logger
	version   string
	httpSrv   *http.Server
	endpoint  string
	startedAt time.Time
}

func New(query QueryService, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{query: query, version: version, logger: logger}
}

func (s *Server) Endpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endpoint
}

// Start serves the MCP endpoint on 127.0.0.1:port. Port 0 picks a free port.
func (s *Server) Start(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv != nil {
		return nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	impl := &mcp.Implementation{Name: "tgbatch-mcp", Version: s.version}
	server := mcp.NewServer(impl, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_batches",
		Description: "List generated batch links, newest first",
	}, s.listBatchesTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_batch",
		Description: "Get one batch by its link token",
	}, s.getBatchTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "decode_token",
		Description: "Decode a batch link token into its document identifier",
	}, s.decodeTokenTool)
	mcp.AddTool(server, &mcp.Tool{
		Name:        "bot_status",
		Description: "Get bot connection status and batch count",
	}, s.botStatusTool)

	streamHandler := mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
		return server
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", withOriginValidation(streamHandler))
	httpSrv := &http.Server{
		Addr:              listener.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("MCP server stopped", zap.Error(err))
		}
	}()

	s.httpSrv = httpSrv
	s.endpoint = "http://" + listener.Addr().String() + "/mcp"
	s.startedAt = time.Now()
	s.logger.Info("MCP server listening", zap.String("endpoint", s.endpoint))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	err := s.httpSrv.Shutdown(ctx)
	s.httpSrv = nil
	s.endpoint = ""
	return err
}

type listBatchesInput struct {
	OwnerID int64 `json:"owner_id,omitempty" jsonschema:"Optional user id filter"`
	Limit   int   `json:"limit,omitempty" jsonschema:"Maximum number of batches"`
}

type listBatchesOutput struct {
	Batches []batchResult `json:"batches"`
}

type batchResult struct {
	Token       string `json:"token"`
	Link        string `json:"link"`
	OwnerID     int64  `json:"owner_id"`
	ChatID      int64  `json:"chat_id"`
	ChatTitle   string `json:"chat_title"`
	FirstMsgID  int    `json:"first_msg_id"`
	LastMsgID   int    `json:"last_msg_id"`
	Files       int    `json:"files"`
	Protected   bool   `json:"protected"`
	CreatedAt   int64  `json:"created_at"`
	SourceLink  string `json:"source_link,omitempty"`
	ManifestMsg int    `json:"manifest_msg_id,omitempty"`
}

func toBatchResult(rec domain.BatchRecord) batchResult {
	return batchResult{
		Token:       rec.Token,
		Link:        rec.Link,
		OwnerID:     rec.OwnerID,
		ChatID:      rec.SourceChatID,
		ChatTitle:   rec.SourceTitle,
		FirstMsgID:  rec.FirstMsgID,
		LastMsgID:   rec.LastMsgID,
		Files:       rec.Files,
		Protected:   rec.Protected,
		CreatedAt:   rec.CreatedAt,
		SourceLink:  links.MessageLink(domain.Chat{ChatID: rec.SourceChatID}, rec.FirstMsgID),
		ManifestMsg: rec.Manifest.MsgID,
	}
}

func (s *Server) listBatchesTool(ctx context.Context, _ *mcp.CallToolRequest, in *listBatchesInput) (*mcp.CallToolResult, any, error) {
	var ownerID int64
	limit := 20
	if in != nil {
		ownerID = in.OwnerID
		if in.Limit > 0 {
			limit = in.Limit
		}
	}
	records, err := s.query.ListBatches(ctx, ownerID, limit)
	if err != nil {
		return nil, nil, err
	}
	payload := make([]batchResult, 0, len(records))
	for _, rec := range records {
		payload = append(payload, toBatchResult(rec))
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Returned %d batches", len(records))}},
	}, listBatchesOutput{Batches: payload}, nil
}

type tokenInput struct {
	Token string `json:"token" jsonschema:"Batch token, or a full https://t.me/<bot>?start=BATCH-<token> link"`
}

type getBatchOutput struct {
	Batch batchResult `json:"batch"`
}

func (s *Server) getBatchTool(ctx context.Context, _ *mcp.CallToolRequest, in *tokenInput) (*mcp.CallToolResult, any, error) {
	token, err := tokenFromInput(in)
	if err != nil {
		return nil, nil, err
	}
	rec, err := s.query.GetBatch(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Batch returned"}},
	}, getBatchOutput{Batch: toBatchResult(rec)}, nil
}

type decodeTokenOutput struct {
	Type       int32 `json:"type"`
	DC         int32 `json:"dc"`
	DocumentID int64 `json:"document_id"`
	AccessHash int64 `json:"access_hash"`
}

func (s *Server) decodeTokenTool(_ context.Context, _ *mcp.CallToolRequest, in *tokenInput) (*mcp.CallToolResult, any, error) {
	token, err := tokenFromInput(in)
	if err != nil {
		return nil, nil, err
	}
	compact, err := fileid.Decode(token)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("Document %d on DC %d", compact.ID, compact.DC)}},
		}, decodeTokenOutput{
			Type:       compact.Type,
			DC:         compact.DC,
			DocumentID: compact.ID,
			AccessHash: compact.AccessHash,
		}, nil
}

type botStatusOutput struct {
	Status      domain.BotStatus `json:"status"`
	MCPEndpoint string           `json:"mcp_endpoint"`
	MCPUptime   int64            `json:"mcp_uptime_seconds"`
}

func (s *Server) botStatusTool(ctx context.Context, _ *mcp.CallToolRequest, _ *struct{}) (*mcp.CallToolResult, any, error) {
	status, err := s.query.BotStatus(ctx)
	if err != nil {
		return nil, nil, err
	}
	s.mu.RLock()
	out := botStatusOutput{Status: status, MCPEndpoint: s.endpoint}
	if !s.startedAt.IsZero() {
		out.MCPUptime = int64(time.Since(s.startedAt).Seconds())
	}
	s.mu.RUnlock()
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: "Status returned"}},
	}, out, nil
}

func tokenFromInput(in *tokenInput) (string, error) {
	if in == nil || strings.TrimSpace(in.Token) == "" {
		return "", errors.New("token is required")
	}
	token := links.TokenFromInput(in.Token)
	if token == "" {
		return "", errors.New("token is required")
	}
	return token, nil
}

func withOriginValidation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalOrigin(origin) {
			http.Error(w, "forbidden origin", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := strings.ToLower(parsed.Hostname())
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
