// Package grpc exposes session analyses over gRPC. Requests and responses
// are google.protobuf.Struct messages, so no generated code is needed.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sort"

	"github.com/demolyzer/demolyzer/internal/analyzer"
	"github.com/demolyzer/demolyzer/internal/decoder"
	perrors "github.com/demolyzer/demolyzer/internal/errors"
	"github.com/demolyzer/demolyzer/internal/logging"
	"github.com/demolyzer/demolyzer/internal/window"
	"github.com/demolyzer/demolyzer/pkg/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request members.
const (
	SourceKey       = "source"
	RecordsKey      = "records"
	TicksBeforeKey  = "ticks_before"
	TicksAfterKey   = "ticks_after"
	ParticipantsKey = "participants"
)

// SessionOpener opens sessions by source or from decoded records.
type SessionOpener interface {
	Open(ctx context.Context, source string) (*analyzer.Session, error)
	OpenRecords(ctx context.Context, name string, records []types.TickRecord) (*analyzer.Session, error)
}

// AnalysisServer implements AnalysisServiceServer.
type AnalysisServer struct {
	sessions   SessionOpener
	sourceRoot string
	logger     *zap.SugaredLogger
}

// NewAnalysisServer creates a new analysis server. Request sources are
// resolved relative to sourceRoot and may not leave it.
func NewAnalysisServer(sessions SessionOpener, sourceRoot string, logger *zap.SugaredLogger) *AnalysisServer {
	return &AnalysisServer{sessions: sessions, sourceRoot: sourceRoot, logger: logging.OrNop(logger)}
}

// Players returns {players: [{id, name}], count}, ordered by id.
func (s *AnalysisServer) Players(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	players, err := session.Players()
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	ids := make([]types.Value, 0, len(players))
	for id := range players {
		ids = append(ids, id)
	}
	entries := make([]any, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		entries = append(entries, map[string]any{"id": cellValue(id), "name": players[id]})
	}
	return s.respond(ctx, map[string]any{
		"players": entries,
		"count":   len(players),
	})
}

// DeathStats returns {stats: [{id, alive_ticks, death_ticks}]}, ordered by
// id. A status that never occurred is null.
func (s *AnalysisServer) DeathStats(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	deathStats, err := session.DeathStats()
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	ids := make([]types.Value, 0, len(deathStats))
	for id := range deathStats {
		ids = append(ids, id)
	}
	out := make([]any, 0, len(ids))
	for _, id := range sortedIDs(ids) {
		st := deathStats[id]
		out = append(out, map[string]any{
			"id":          cellValue(id),
			"alive_ticks": countValue(st.AliveTicks),
			"death_ticks": countValue(st.DeathTicks),
		})
	}
	return s.respond(ctx, map[string]any{"stats": out})
}

// EventWindows returns the event table as {columns, schema, rows, events,
// empty_events}. ticks_before, ticks_after and participants override the
// configured window.
func (s *AnalysisServer) EventWindows(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	session, err := s.open(ctx, req)
	if err != nil {
		return nil, err
	}
	opts, err := windowOptions(session.WindowOptions(), req)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	events, summary, err := session.EventTableWith(opts)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}

	columns := make([]any, len(events.Columns))
	for i, c := range events.Columns {
		columns[i] = c
	}
	schema := types.InferSchema(events)
	defs := make([]any, len(schema.Columns))
	for i, def := range schema.Columns {
		defs[i] = map[string]any{"name": def.Name, "type": def.Type, "nullable": def.Nullable}
	}
	rows := make([]any, len(events.Rows))
	for i, row := range events.Rows {
		values := make([]any, len(row.Values))
		for j, v := range row.Values {
			values[j] = cellValue(v)
		}
		rows[i] = values
	}

	return s.respond(ctx, map[string]any{
		"columns":      columns,
		"schema":       defs,
		"rows":         rows,
		"events":       summary.Events,
		"empty_events": summary.EmptyEvents,
	})
}

// open resolves the session named by req: inline records when present,
// otherwise the source path.
func (s *AnalysisServer) open(ctx context.Context, req *structpb.Struct) (*analyzer.Session, error) {
	fields := req.GetFields()
	requestID := extractRequestID(ctx)

	if list := fields[RecordsKey].GetListValue(); list != nil {
		records, err := decoder.FromStructList(list)
		if err != nil {
			return nil, s.toStatus(ctx, err)
		}
		session, err := s.sessions.OpenRecords(ctx, "request "+requestID, records)
		if err != nil {
			return nil, s.toStatus(ctx, err)
		}
		return session, nil
	}

	source := fields[SourceKey].GetStringValue()
	if source == "" {
		return nil, status.Errorf(codes.InvalidArgument, "%s or %s is required", SourceKey, RecordsKey)
	}
	source, err := resolveSource(s.sourceRoot, source)
	if err != nil {
		s.logger.Warnw("rejected source", "request_id", requestID, "source", fields[SourceKey].GetStringValue())
		return nil, err
	}
	s.logger.Debugw("opening session", "request_id", requestID, "source", source)
	session, err := s.sessions.Open(ctx, source)
	if err != nil {
		return nil, s.toStatus(ctx, err)
	}
	return session, nil
}

// resolveSource joins a relative source onto root. Absolute paths and paths
// that leave root, lexically or through symlinks, are rejected. A missing
// file passes through so the decoder reports it.
func resolveSource(root, source string) (string, error) {
	if root == "" {
		return "", status.Error(codes.FailedPrecondition, "no source root configured")
	}
	if filepath.IsAbs(source) || !filepath.IsLocal(source) {
		return "", status.Errorf(codes.InvalidArgument, "%s must be a relative path inside the source root", SourceKey)
	}
	path := filepath.Join(root, source)

	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return path, nil
	}
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return path, nil
	}
	if rel, err := filepath.Rel(realRoot, realPath); err != nil || !filepath.IsLocal(rel) {
		return "", status.Errorf(codes.InvalidArgument, "%s resolves outside the source root", SourceKey)
	}
	return path, nil
}

func sortedIDs(ids []types.Value) []types.Value {
	sort.Slice(ids, func(i, j int) bool {
		if c := ids[i].Compare(ids[j]); c != 0 {
			return c < 0
		}
		return ids[i].Key() < ids[j].Key()
	})
	return ids
}

func (s *AnalysisServer) respond(ctx context.Context, m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, s.toStatus(ctx, perrors.NewInternalError("failed to encode response", err))
	}
	return out, nil
}

// toStatus maps pipeline errors onto gRPC status codes.
func (s *AnalysisServer) toStatus(ctx context.Context, err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}

	code := codes.Internal
	switch {
	case perrors.GetCategory(err) == perrors.ErrCategoryValidation:
		code = codes.InvalidArgument
	case perrors.GetCategory(err) == perrors.ErrCategoryDecode, perrors.GetCode(err) == perrors.CodeObjectNotFound:
		code = codes.NotFound
	}
	if code == codes.Internal {
		s.logger.Errorw("analysis request failed", "request_id", extractRequestID(ctx), "error", err)
	}
	return status.Error(code, err.Error())
}

func windowOptions(base window.Options, req *structpb.Struct) (window.Options, error) {
	fields := req.GetFields()
	opts := base
	for key, dst := range map[string]*int64{TicksBeforeKey: &opts.TicksBefore, TicksAfterKey: &opts.TicksAfter} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		n, isNumber := v.GetKind().(*structpb.Value_NumberValue)
		if !isNumber || n.NumberValue != math.Trunc(n.NumberValue) {
			return opts, perrors.NewValidationError(perrors.CodeInvalidOptions,
				fmt.Sprintf("%s must be an integer", key))
		}
		*dst = int64(n.NumberValue)
	}
	if v, ok := fields[ParticipantsKey]; ok {
		p, err := window.ParseParticipants(v.GetStringValue())
		if err != nil {
			return opts, err
		}
		opts.Participants = p
	}
	return opts, nil
}

func countValue(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

// cellValue converts a table value for a Struct. Non-finite floats have
// no JSON form and are sent as strings.
func cellValue(v types.Value) any {
	if f, ok := v.Interface().(float64); ok && (math.IsInf(f, 0) || math.IsNaN(f)) {
		return v.String()
	}
	return v.Interface()
}

// extractRequestID extracts or generates a request ID from the gRPC context.
func extractRequestID(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if ids := md.Get("x-request-id"); len(ids) > 0 {
			return ids[0]
		}
	}
	return uuid.New().String()
}
