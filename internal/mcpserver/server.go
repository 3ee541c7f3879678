// Package mcpserver exposes recorded meetings to MCP clients over stdio.
// All tools are read-only.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"

	"github.com/ORAI-Solutions/Meeting-Notes/internal/database"
)

const defaultListLimit = 20

// Store is the read side of the database used by the tools.
type Store interface {
	ListMeetings(ctx context.Context, limit, offset int) ([]database.Meeting, int, error)
	GetMeeting(ctx context.Context, id int64) (*database.Meeting, error)
	ListSegments(ctx context.Context, meetingID int64) ([]database.Segment, error)
	GetSummary(ctx context.Context, meetingID int64) (*database.Summary, error)
}

type Server struct {
	store Store
	mcp   *server.MCPServer
	log   zerolog.Logger
}

func New(store Store, version string, log zerolog.Logger) *Server {
	s := &Server{
		store: store,
		mcp:   server.NewMCPServer("meeting-notes", version, server.WithToolCapabilities(false)),
		log:   log,
	}

	s.mcp.AddTool(mcp.NewTool("list_meetings",
		mcp.WithDescription("List recorded meetings, newest first."),
		mcp.WithNumber("limit", mcp.Description("Maximum number of meetings (default 20).")),
		mcp.WithNumber("offset", mcp.Description("Number of meetings to skip.")),
	), s.listMeetings)

	s.mcp.AddTool(mcp.NewTool("get_transcript",
		mcp.WithDescription("Get the transcript of a meeting. Each line starts with the segment citation key [#ID]."),
		mcp.WithNumber("meeting_id", mcp.Required(), mcp.Description("Meeting id.")),
		mcp.WithString("format", mcp.Enum("text", "json"), mcp.Description("Output format (default text).")),
	), s.getTranscript)

	s.mcp.AddTool(mcp.NewTool("get_summary",
		mcp.WithDescription("Get the cited summary of a meeting. Citations [#ID] refer to transcript segments."),
		mcp.WithNumber("meeting_id", mcp.Required(), mcp.Description("Meeting id.")),
	), s.getSummary)

	return s
}

// Serve runs the MCP protocol over in/out until ctx is done or in closes.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.log.Info().Msg("mcp server listening on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, in, out)
}

func (s *Server) listMeetings(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	limit := req.GetInt("limit", defaultListLimit)
	offset := req.GetInt("offset", 0)
	if limit < 1 || limit > 500 || offset < 0 {
		return mcp.NewToolResultError("limit must be 1..500 and offset >= 0"), nil
	}
	meetings, total, err := s.store.ListMeetings(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return jsonResult(map[string]any{"meetings": meetings, "total": total})
}

func (s *Server) meeting(ctx context.Context, req mcp.CallToolRequest) (*database.Meeting, *mcp.CallToolResult, error) {
	id, err := req.RequireInt("meeting_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error()), nil
	}
	m, err := s.store.GetMeeting(ctx, int64(id))
	if errors.Is(err, database.ErrNotFound) {
		return nil, mcp.NewToolResultError(fmt.Sprintf("meeting %d not found", id)), nil
	}
	if err != nil {
		return nil, nil, err
	}
	return m, nil, nil
}

func (s *Server) getTranscript(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, res, err := s.meeting(ctx, req)
	if m == nil {
		return res, err
	}
	segs, err := s.store.ListSegments(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("meeting %d has no transcript (status %s)", m.ID, m.Status)), nil
	}
	if req.GetString("format", "text") == "json" {
		return jsonResult(map[string]any{"meeting": m, "segments": segs})
	}
	return mcp.NewToolResultText(TranscriptText(m, segs)), nil
}

func (s *Server) getSummary(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	m, res, err := s.meeting(ctx, req)
	if m == nil {
		return res, err
	}
	sum, err := s.store.GetSummary(ctx, m.ID)
	if errors.Is(err, database.ErrNotFound) {
		return mcp.NewToolResultError(fmt.Sprintf("meeting %d has no summary (status %s)", m.ID, m.Status)), nil
	}
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", title(m), sum.AbstractMD)
	if len(sum.BulletsMD) > 0 {
		b.WriteString("\n")
		for _, bullet := range sum.BulletsMD {
			fmt.Fprintf(&b, "- %s\n", bullet)
		}
	}
	return mcp.NewToolResultText(b.String()), nil
}

// TranscriptText renders segments as "[#id] mm:ss Speaker: text" lines.
func TranscriptText(m *database.Meeting, segs []database.Segment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title(m))
	for _, seg := range segs {
		sec := seg.StartMs / 1000
		fmt.Fprintf(&b, "[#%d] %02d:%02d %s: %s\n", seg.ID, sec/60, sec%60, seg.Speaker, seg.Text)
	}
	return b.String()
}

func title(m *database.Meeting) string {
	if m.Title != "" {
		return m.Title
	}
	return fmt.Sprintf("Meeting %d", m.ID)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcp.NewToolResultText(string(b)), nil
}
