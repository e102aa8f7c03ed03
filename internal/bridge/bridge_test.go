package bridge

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
	"github.com/danielpatrickdp/adaptive-lora/internal/errs"
)

func testConfig() config.Config {
	cfg := config.Default(4)
	cfg.MicroLoRARank = 1
	cfg.BaseLoRARank = 2
	cfg.MicroLoRALR = 0.01
	cfg.BaseLoRALR = 0.01
	cfg.NumLayers = 2
	return cfg
}

// startBridge serves one engine over an in-memory listener and returns a connected client.
func startBridge(t *testing.T) (*engine.Engine, *Client, *grpc.ClientConn) {
	t.Helper()
	e, err := engine.New(testConfig())
	require.NoError(t, err)
	t.Cleanup(e.Close)

	lis := bufconn.Listen(1 << 20)
	log := zaptest.NewLogger(t)
	srv := grpc.NewServer(grpc.UnaryInterceptor(UnaryLogger(log)))
	Register(srv, NewServer(e, log))
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return e, NewClientWithConn(conn), conn
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestBridgeTrajectoryLifecycle(t *testing.T) {
	e, c, _ := startBridge(t)

	before, err := c.ApplyMicro(ctx(t), []float32{1, 1, 1, 1})
	require.NoError(t, err)

	id, err := c.Begin(ctx(t), []float32{0.1, 0.1, 0.1, 0.1})
	require.NoError(t, err)
	require.Equal(t, uint64(1), id)
	require.NoError(t, c.RecordStep(ctx(t), id, 1, 0.9, 100*time.Millisecond))

	out, err := c.End(ctx(t), id, 0.85)
	require.NoError(t, err)
	require.Equal(t, id, out.TrajectoryID)
	require.True(t, out.Buffered)
	require.True(t, out.MicroUpdated)
	require.InDelta(t, 0.85, out.FinalScore, 1e-6)

	after, err := c.ApplyMicro(ctx(t), []float32{1, 1, 1, 1})
	require.NoError(t, err)
	require.NotEqual(t, before, after)

	local, err := e.ApplyMicro([]float32{1, 1, 1, 1})
	require.NoError(t, err)
	require.Equal(t, local, after)

	res, err := c.ForceLearn(ctx(t))
	require.NoError(t, err)
	require.True(t, res.Committed)
	require.Equal(t, uint64(1), res.AnchorVersion)

	stats, err := c.Stats(ctx(t))
	require.NoError(t, err)
	require.Equal(t, uint64(1), stats.AnchorVersion)
	require.Equal(t, uint64(1), stats.Consumed)
	require.NotNil(t, stats.LastCycle)
	require.Equal(t, res.CycleID, stats.LastCycle.CycleID)

	base, err := c.ApplyBase(ctx(t), 1, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	localBase, err := e.ApplyBase(1, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, localBase, base)
}

func TestBridgeFeedbackAndFlush(t *testing.T) {
	_, c, _ := startBridge(t)

	id, err := c.Begin(ctx(t), []float32{1, 0, 0, 0})
	require.NoError(t, err)
	out, err := c.Feedback(ctx(t), id, true, 50*time.Millisecond, 0.9)
	require.NoError(t, err)
	require.InDelta(t, 0.945, out.FinalScore, 1e-4)
	require.True(t, out.MicroUpdated)

	fr, err := c.Flush(ctx(t))
	require.NoError(t, err)
	require.Equal(t, 1, fr.Count)
	require.Equal(t, 1, fr.Pending)

	ran, cycle, err := c.Tick(ctx(t))
	require.NoError(t, err)
	require.False(t, ran)
	require.Nil(t, cycle)
}

func TestBridgeErrorCodes(t *testing.T) {
	_, c, _ := startBridge(t)

	_, err := c.Begin(ctx(t), []float32{1, 2})
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	_, err = c.End(ctx(t), 42, 0.5)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.Equal(t, codes.NotFound, status.Code(err))

	id, err := c.Begin(ctx(t), []float32{1, 0, 0, 0})
	require.NoError(t, err)
	_, err = c.End(ctx(t), id, 0.5)
	require.NoError(t, err)
	_, err = c.End(ctx(t), id, 0.5)
	require.ErrorIs(t, err, errs.ErrInvalidState)
	require.Equal(t, codes.FailedPrecondition, status.Code(err))

	_, err = c.ApplyBase(ctx(t), 7, []float32{1, 1, 1, 1})
	require.ErrorIs(t, err, errs.ErrOutOfRange)
	require.Equal(t, codes.OutOfRange, status.Code(err))

	enabled, err := c.SetEnabled(ctx(t), false)
	require.NoError(t, err)
	require.False(t, enabled)
	_, err = c.Begin(ctx(t), []float32{1, 0, 0, 0})
	require.ErrorIs(t, err, errs.ErrDisabled)
	require.Equal(t, codes.Unavailable, status.Code(err))

	out, err := c.ApplyMicro(ctx(t), []float32{1, 2, 3, 4})
	require.NoError(t, err)
	require.Equal(t, []float32{1, 2, 3, 4}, out)
}

func TestBridgeRejectsMalformedMessages(t *testing.T) {
	_, _, conn := startBridge(t)

	cases := []struct {
		method string
		fields map[string]any
	}{
		{"Begin", map[string]any{}},
		{"Begin", map[string]any{"embedding": "nope"}},
		{"Begin", map[string]any{"embedding": []any{1.0, "x", 0.0, 0.0}}},
		{"End", map[string]any{"id": 1.5, "final_score": 0.5}},
		{"End", map[string]any{"id": -1.0, "final_score": 0.5}},
		{"RecordStep", map[string]any{"id": 1.0, "node_id": -3.0, "score": 0.5}},
		{"SetEnabled", map[string]any{"enabled": "yes"}},
		{"Reconfigure", map[string]any{"config": 3.0}},
	}
	for _, tc := range cases {
		req, err := structpb.NewStruct(tc.fields)
		require.NoError(t, err)
		err = conn.Invoke(ctx(t), fullMethod(tc.method), req, new(structpb.Struct))
		require.Equal(t, codes.InvalidArgument, status.Code(err), "%s %v: %v", tc.method, tc.fields, err)
	}
}

func TestBridgeConfig(t *testing.T) {
	e, c, _ := startBridge(t)

	cfg, err := c.GetConfig(ctx(t))
	require.NoError(t, err)
	require.Equal(t, e.Config(), cfg)

	cfg.QualityThreshold = 0.9
	cfg.BatchSize = 7
	got, err := c.Reconfigure(ctx(t), cfg)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
	require.Equal(t, float32(0.9), e.Config().QualityThreshold)

	cfg.HiddenDim = 16
	cfg.EmbeddingDim = 16
	_, err = c.Reconfigure(ctx(t), cfg)
	require.ErrorIs(t, err, errs.ErrInvalidInput)
	require.Equal(t, 4, e.Config().HiddenDim)
}

func TestBridgeFindPatterns(t *testing.T) {
	_, c, _ := startBridge(t)
	for _, emb := range [][]float32{{1, 0, 0, 0}, {1, 0, 0, 0}, {0, 0, 9, 0}} {
		id, err := c.Begin(ctx(t), emb)
		require.NoError(t, err)
		_, err = c.End(ctx(t), id, 0.7)
		require.NoError(t, err)
	}

	matches, err := c.FindPatterns(ctx(t), []float32{1, 0, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, 2, matches[0].Pattern.MemberCount)
	require.Equal(t, []float32{1, 0, 0, 0}, matches[0].Pattern.Centroid)
}

func TestToStatusPassesThroughStatusErrors(t *testing.T) {
	st := status.Error(codes.Aborted, "busy")
	require.Equal(t, st, toStatus(st))
	require.Equal(t, codes.Aborted, status.Code(toStatus(errs.ErrCycleRunning)))
	require.Equal(t, codes.Internal, status.Code(toStatus(context.Canceled)))
	require.NoError(t, toStatus(nil))
}
