package bridge

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/adaptive-lora/internal/config"
	"github.com/danielpatrickdp/adaptive-lora/internal/engine"
	"github.com/danielpatrickdp/adaptive-lora/internal/pattern"
)

// #region client-struct
// Client wraps a gRPC connection to a sona.v1.Engine server.
type Client struct {
	conn *grpc.ClientConn
	cc   grpc.ClientConnInterface
}

// #endregion client-struct

// #region constructor
// NewClient connects to the engine gRPC server at addr.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return &Client{conn: conn, cc: conn}, nil
}

// NewClientWithConn creates a Client over an existing connection. Close does not close cc.
func NewClientWithConn(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// #endregion constructor

// #region close
// Close shuts down the gRPC connection if the client owns it.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// #endregion close

// #region invoke
func (c *Client) call(ctx context.Context, method string, in map[string]any, out any) error {
	if in == nil {
		in = map[string]any{}
	}
	req, err := toStruct(in)
	if err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	resp := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, fullMethod(method), req, resp); err != nil {
		return fromStatus(method, err)
	}
	if out == nil {
		return nil
	}
	if err := fromStruct(resp, out); err != nil {
		return fmt.Errorf("%s rpc: %w", method, err)
	}
	return nil
}

// #endregion invoke

// #region trajectory
// Begin opens a trajectory and returns its id.
func (c *Client) Begin(ctx context.Context, embedding []float32) (uint64, error) {
	var resp struct {
		ID uint64 `json:"id"`
	}
	if err := c.call(ctx, "Begin", map[string]any{"embedding": embedding}, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// RecordStep appends a routing decision to an open trajectory.
func (c *Client) RecordStep(ctx context.Context, id uint64, nodeID uint32, score float32, latency time.Duration) error {
	return c.call(ctx, "RecordStep", map[string]any{
		"id":         id,
		"node_id":    nodeID,
		"score":      score,
		"latency_ms": float64(latency) / float64(time.Millisecond),
	}, nil)
}

// End closes a trajectory with its final score.
func (c *Client) End(ctx context.Context, id uint64, finalScore float32) (engine.Outcome, error) {
	var out engine.Outcome
	err := c.call(ctx, "End", map[string]any{"id": id, "final_score": finalScore}, &out)
	return out, err
}

// Feedback closes a trajectory from a host feedback tuple.
func (c *Client) Feedback(ctx context.Context, id uint64, success bool, latency time.Duration, quality float32) (engine.Outcome, error) {
	var out engine.Outcome
	err := c.call(ctx, "Feedback", map[string]any{
		"id":         id,
		"success":    success,
		"latency_ms": float64(latency) / float64(time.Millisecond),
		"quality":    quality,
	}, &out)
	return out, err
}

// #endregion trajectory

// #region apply
// ApplyMicro runs in through the micro adapter.
func (c *Client) ApplyMicro(ctx context.Context, in []float32) ([]float32, error) {
	var resp struct {
		Output []float32 `json:"output"`
	}
	err := c.call(ctx, "ApplyMicro", map[string]any{"input": in}, &resp)
	return resp.Output, err
}

// ApplyBase runs in through one base layer.
func (c *Client) ApplyBase(ctx context.Context, layer int, in []float32) ([]float32, error) {
	var resp struct {
		Output []float32 `json:"output"`
	}
	err := c.call(ctx, "ApplyBase", map[string]any{"layer": layer, "input": in}, &resp)
	return resp.Output, err
}

// #endregion apply

// #region learning
// Flush hands accumulated micro drift to the base tier.
func (c *Client) Flush(ctx context.Context) (engine.FlushResult, error) {
	var out engine.FlushResult
	err := c.call(ctx, "Flush", nil, &out)
	return out, err
}

// Tick asks the server's scheduler to run a due cycle. The cycle is nil when none ran.
func (c *Client) Tick(ctx context.Context) (bool, *engine.CycleResult, error) {
	var resp struct {
		Ran   bool                `json:"ran"`
		Cycle *engine.CycleResult `json:"cycle"`
	}
	if err := c.call(ctx, "Tick", nil, &resp); err != nil {
		return false, nil, err
	}
	return resp.Ran, resp.Cycle, nil
}

// ForceLearn runs a consolidation cycle now.
func (c *Client) ForceLearn(ctx context.Context) (engine.CycleResult, error) {
	var out engine.CycleResult
	err := c.call(ctx, "ForceLearn", nil, &out)
	return out, err
}

// #endregion learning

// #region admin
// Stats fetches the engine counters.
func (c *Client) Stats(ctx context.Context) (engine.Stats, error) {
	var out engine.Stats
	err := c.call(ctx, "Stats", nil, &out)
	return out, err
}

// GetConfig fetches the live configuration.
func (c *Client) GetConfig(ctx context.Context) (config.Config, error) {
	var out config.Config
	err := c.call(ctx, "GetConfig", nil, &out)
	return out, err
}

// Reconfigure replaces the server's tunables and returns the configuration now in effect.
func (c *Client) Reconfigure(ctx context.Context, cfg config.Config) (config.Config, error) {
	m, err := cfg.ToMap()
	if err != nil {
		return config.Config{}, err
	}
	var out config.Config
	err = c.call(ctx, "Reconfigure", map[string]any{"config": m}, &out)
	return out, err
}

// SetEnabled turns learning and adaptation on or off and returns the resulting flag.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (bool, error) {
	var resp struct {
		Enabled bool `json:"enabled"`
	}
	err := c.call(ctx, "SetEnabled", map[string]any{"enabled": enabled}, &resp)
	return resp.Enabled, err
}

// FindPatterns returns up to k stored patterns nearest to query.
func (c *Client) FindPatterns(ctx context.Context, query []float32, k int) ([]pattern.Match, error) {
	var resp struct {
		Matches []pattern.Match `json:"matches"`
	}
	err := c.call(ctx, "FindPatterns", map[string]any{"query": query, "k": k}, &resp)
	return resp.Matches, err
}

// #endregion admin
