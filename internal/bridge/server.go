package bridge

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
)

// #region server
// Server implements EngineServer on top of one engine.
type Server struct {
	engine *engine.Engine
	log    *zap.Logger
}

var _ EngineServer = (*Server)(nil)

// NewServer wraps e. A nil logger discards output.
func NewServer(e *engine.Engine, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{engine: e, log: log}
}

// reply encodes v, mapping any engine error first.
func reply(v any, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := toStruct(v)
	if err != nil {
		return nil, toStatus(err)
	}
	return out, nil
}

// #endregion server

// #region trajectory
func (s *Server) Begin(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	emb, err := vector(in, "embedding")
	if err != nil {
		return nil, err
	}
	tid, err := s.engine.Begin(emb)
	return reply(map[string]any{"id": tid}, err)
}

func (s *Server) RecordStep(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tid, err := id(in)
	if err != nil {
		return nil, err
	}
	node, err := integer(in, "node_id")
	if err != nil {
		return nil, err
	}
	if node < 0 || node > 1<<32-1 {
		return nil, status.Errorf(codes.InvalidArgument, "field \"node_id\" out of range: %d", node)
	}
	score, err := number(in, "score")
	if err != nil {
		return nil, err
	}
	latencyMs, err := optionalNumber(in, "latency_ms", 0)
	if err != nil {
		return nil, err
	}
	err = s.engine.RecordStep(tid, uint32(node), float32(score), millis(latencyMs))
	return reply(map[string]any{}, err)
}

func (s *Server) End(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tid, err := id(in)
	if err != nil {
		return nil, err
	}
	score, err := number(in, "final_score")
	if err != nil {
		return nil, err
	}
	out, err := s.engine.End(tid, float32(score))
	return reply(out, err)
}

func (s *Server) Feedback(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	tid, err := id(in)
	if err != nil {
		return nil, err
	}
	success, err := boolean(in, "success")
	if err != nil {
		return nil, err
	}
	quality, err := number(in, "quality")
	if err != nil {
		return nil, err
	}
	latencyMs, err := optionalNumber(in, "latency_ms", 0)
	if err != nil {
		return nil, err
	}
	out, err := s.engine.LearnFromFeedback(tid, success, millis(latencyMs), float32(quality))
	return reply(out, err)
}

// #endregion trajectory

// #region apply
func (s *Server) ApplyMicro(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	x, err := vector(in, "input")
	if err != nil {
		return nil, err
	}
	out, err := s.engine.ApplyMicro(x)
	return reply(map[string]any{"output": out}, err)
}

func (s *Server) ApplyBase(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	layer, err := integer(in, "layer")
	if err != nil {
		return nil, err
	}
	x, err := vector(in, "input")
	if err != nil {
		return nil, err
	}
	out, err := s.engine.ApplyBase(int(layer), x)
	return reply(map[string]any{"output": out}, err)
}

// #endregion apply

// #region learning
func (s *Server) Flush(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.engine.Flush(), nil)
}

func (s *Server) Tick(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	resp := map[string]any{"ran": false}
	if s.engine.Tick() {
		resp["ran"] = true
		resp["cycle"] = s.engine.Stats().LastCycle
	}
	return reply(resp, nil)
}

func (s *Server) ForceLearn(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.engine.ForceLearn(), nil)
}

// #endregion learning

// #region admin
func (s *Server) Stats(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return reply(s.engine.Stats(), nil)
}

func (s *Server) GetConfig(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	m, err := s.engine.Config().ToMap()
	return reply(m, err)
}

func (s *Server) Reconfigure(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	m, err := object(in, "config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.FromMap(m)
	if err != nil {
		return nil, toStatus(err)
	}
	if err := s.engine.Reconfigure(cfg); err != nil {
		return nil, toStatus(err)
	}
	s.log.Info("engine reconfigured over gRPC")
	return s.GetConfig(context.Background(), nil)
}

func (s *Server) SetEnabled(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	enabled, err := boolean(in, "enabled")
	if err != nil {
		return nil, err
	}
	s.engine.SetEnabled(enabled)
	return reply(map[string]any{"enabled": s.engine.IsEnabled()}, nil)
}

func (s *Server) FindPatterns(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	q, err := vector(in, "query")
	if err != nil {
		return nil, err
	}
	k, err := optionalNumber(in, "k", 5)
	if err != nil {
		return nil, err
	}
	matches, err := s.engine.FindSimilar(q, int(k))
	return reply(map[string]any{"matches": matches}, err)
}

// #endregion admin

// #region interceptor
// UnaryLogger logs every call with its method, status code and duration.
func UnaryLogger(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("duration", time.Since(start)),
		}
		if err != nil {
			log.Warn("grpc call failed", append(fields, zap.Error(err))...)
		} else {
			log.Debug("grpc call", fields...)
		}
		return resp, err
	}
}

// #endregion interceptor

// #region helpers
func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// #endregion helpers
