package update

import (
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-lora/internal/ewc"
	"github.com/danielpatrickdp/adaptive-lora/internal/lora"
	"github.com/danielpatrickdp/adaptive-lora/internal/trajectory"
)

// #region samples
// Samples turns closed trajectories and queued micro flush signals into consolidation samples.
// Trajectories scoring below the quality threshold are counted in ineligible and contribute nothing.
func Samples(trajs []*trajectory.Trajectory, carry []lora.FlushSignal, baseline float32, p Params) (samples []Sample, ineligible int) {
	samples = make([]Sample, 0, len(trajs)+len(carry))
	for _, t := range trajs {
		if t.FinalScore < p.QualityThreshold {
			ineligible++
			continue
		}
		samples = append(samples, Sample{
			X:         lora.Fit(t.QueryEmbedding, p.HiddenDim),
			Advantage: t.FinalScore - baseline,
			Score:     t.FinalScore,
			Source:    "trajectory",
		})
	}
	for _, sig := range carry {
		if sig.Empty() {
			continue
		}
		var sum float64
		for _, d := range sig.Direction {
			sum += float64(d) * float64(d)
		}
		samples = append(samples, Sample{
			X:         lora.Fit(sig.Direction, p.HiddenDim),
			Advantage: float32(math.Sqrt(sum) / float64(sig.Count)),
			Source:    "flush",
		})
	}
	return samples, ineligible
}

// #endregion samples

// #region consolidate
// Consolidate is a pure function that computes the next Base layers from the current ones, one batch of
// buffered trajectories, and the EWC anchor. It never mutates in.Layers.
//
// Per layer and parameter j with gradient G (mean advantage-weighted Hebbian term), importance F and anchor
// value a: w' = w + lr*(G - λF(w-a)) / (1 + λF). The step is clamped per layer to MaxStepNorm.
func Consolidate(in Input, p Params) Result {
	start := time.Now()

	samples, ineligible := Samples(in.Trajectories, in.Carry, in.Baseline, p)
	metrics := Metrics{
		BatchSize:  len(in.Trajectories),
		Ineligible: ineligible,
	}
	var scoreSum float64
	for _, s := range samples {
		if s.Source == "trajectory" {
			metrics.Eligible++
			scoreSum += float64(s.Score)
		} else {
			metrics.FlushSamples++
		}
	}
	if metrics.Eligible > 0 {
		metrics.MeanScore = float32(scoreSum / float64(metrics.Eligible))
	}

	if len(samples) == 0 {
		// Weights stay put; importance still decays so the anchor can advance.
		newLayers := make([]*lora.Factors, len(in.Layers))
		importance := make([][]float32, len(in.Layers))
		for l, f := range in.Layers {
			newLayers[l] = f.Clone()
			importance[l] = importanceFor(in, l, make([]float32, f.Params()), p)
			metrics.LayerMetrics = append(metrics.LayerMetrics, LayerMetric{Layer: l, WeightNorm: float32(f.Norm())})
		}
		metrics.UpdateTimeMs = time.Since(start).Milliseconds()
		return Result{
			NewLayers:  newLayers,
			Importance: importance,
			Decision:   Decision{Action: "no_op", Reason: "no eligible samples"},
			Metrics:    metrics,
		}
	}

	newLayers := make([]*lora.Factors, len(in.Layers))
	importance := make([][]float32, len(in.Layers))
	flatNew := make([][]float32, len(in.Layers))
	var stepSumSq, gradSumSq float64

	for l, f := range in.Layers {
		grad := gradient(f, samples)

		w := f.Flatten()
		anchorW, anchorF := anchorFor(in, l, w)
		step := make([]float32, len(w))
		for j := range w {
			lf := float64(p.EWCLambda) * float64(anchorF[j])
			pull := lf * (float64(w[j]) - float64(anchorW[j]))
			step[j] = float32(float64(p.LearningRate) * (float64(grad[j]) - pull) / (1 + lf))
		}

		sn := norm(step)
		lm := LayerMetric{Layer: l, GradNorm: float32(norm(grad))}
		if p.MaxStepNorm > 0 && sn > float64(p.MaxStepNorm) {
			s := float32(float64(p.MaxStepNorm) / sn)
			for j := range step {
				step[j] *= s
			}
			sn = float64(p.MaxStepNorm)
			lm.Clipped = true
		}
		for j := range w {
			w[j] += step[j]
		}

		nf, _ := lora.FromFlat(f.Dim, f.Rank, w)
		newLayers[l] = nf
		flatNew[l] = w
		importance[l] = importanceFor(in, l, grad, p)

		lm.StepNorm = float32(sn)
		lm.WeightNorm = float32(nf.Norm())
		metrics.LayerMetrics = append(metrics.LayerMetrics, lm)
		stepSumSq += sn * sn
		gradSumSq += float64(lm.GradNorm) * float64(lm.GradNorm)
	}

	metrics.StepNorm = float32(math.Sqrt(stepSumSq))
	metrics.GradNorm = float32(math.Sqrt(gradSumSq))
	if in.Anchor != nil {
		metrics.EWCLoss = float32(in.Anchor.Penalty(flatNew, p.EWCLambda))
	}
	metrics.UpdateTimeMs = time.Since(start).Milliseconds()

	return Result{
		NewLayers:  newLayers,
		Importance: importance,
		Decision: Decision{
			Action: "commit",
			Reason: fmt.Sprintf("samples: %d (eligible %d, flush %d), step norm: %.6f",
				len(samples), metrics.Eligible, metrics.FlushSamples, metrics.StepNorm),
		},
		Metrics: metrics,
	}
}

// #endregion consolidate

// #region gradient
// gradient returns the batch-mean Hebbian direction in Flatten layout (Down then Up):
// G_down[k,j] = mean a·(Upᵀx)_k·x_j and G_up[i,k] = mean a·x_i·(Down·x)_k.
func gradient(f *lora.Factors, samples []Sample) []float32 {
	acc := make([]float64, f.Params())
	off := f.Rank * f.Dim
	for _, s := range samples {
		h := f.Project(s.X)
		g := f.ProjectUpT(s.X)
		a := float64(s.Advantage)
		for k := 0; k < f.Rank; k++ {
			for j := 0; j < f.Dim; j++ {
				acc[k*f.Dim+j] += a * float64(g[k]) * float64(s.X[j])
			}
		}
		for i := 0; i < f.Dim; i++ {
			for k := 0; k < f.Rank; k++ {
				acc[off+i*f.Rank+k] += a * float64(s.X[i]) * float64(h[k])
			}
		}
	}
	n := float64(len(samples))
	out := make([]float32, len(acc))
	for j, v := range acc {
		out[j] = float32(v / n)
	}
	return out
}

// anchorFor returns the anchor weights and importance of layer l. Without a matching anchor the current
// weights act as their own anchor with zero importance.
func anchorFor(in Input, l int, w []float32) ([]float32, []float32) {
	if in.Anchor != nil && l < len(in.Anchor.Weights) && len(in.Anchor.Weights[l]) == len(w) &&
		l < len(in.Anchor.Importance) && len(in.Anchor.Importance[l]) == len(w) {
		return in.Anchor.Weights[l], in.Anchor.Importance[l]
	}
	return w, make([]float32, len(w))
}

func importanceFor(in Input, l int, grad []float32, p Params) []float32 {
	var old []float32
	if in.Anchor != nil && l < len(in.Anchor.Importance) {
		old = in.Anchor.Importance[l]
	}
	return ewc.UpdateImportance(old, grad, p.EWCGamma, p.ImportanceClip)
}

func norm(v []float32) float64 {
	var sum float64
	for _, e := range v {
		sum += float64(e) * float64(e)
	}
	return math.Sqrt(sum)
}

// #endregion gradient
