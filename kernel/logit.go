package kernel

import (
	"fmt"
	"math"

	"futures-supervisor/exchange"
)

const (
	logitLearningRate = 0.1
	logitEpochs       = 200
	logitL2           = 1e-4
	logitMinSamples   = 10
)

// classifier is the model behind the ML kernel's predictions.
type classifier interface {
	fit(X [][]float64, y []int) error
	predict(features []float64) (direction string, confidence float64)
}

// logit is full-batch logistic regression over z-scored features. Training
// is deterministic: fixed iteration order and zero-initialized weights, so
// a backtest that retrains replays to identical fills.
type logit struct {
	weights []float64
	bias    float64
	mean    []float64
	std     []float64
}

func (m *logit) fit(X [][]float64, y []int) error {
	if len(X) < logitMinSamples {
		return fmt.Errorf("need at least %d samples, got %d", logitMinSamples, len(X))
	}
	if len(X) != len(y) {
		return fmt.Errorf("feature/label length mismatch: %d vs %d", len(X), len(y))
	}
	nFeat := len(X[0])

	m.mean = make([]float64, nFeat)
	m.std = make([]float64, nFeat)
	for j := 0; j < nFeat; j++ {
		var sum float64
		for _, row := range X {
			sum += row[j]
		}
		m.mean[j] = sum / float64(len(X))
		var variance float64
		for _, row := range X {
			d := row[j] - m.mean[j]
			variance += d * d
		}
		m.std[j] = math.Sqrt(variance / float64(len(X)))
		if m.std[j] == 0 {
			m.std[j] = 1
		}
	}

	scaled := make([][]float64, len(X))
	for i, row := range X {
		scaled[i] = m.scale(row)
	}

	m.weights = make([]float64, nFeat)
	m.bias = 0
	n := float64(len(scaled))
	for epoch := 0; epoch < logitEpochs; epoch++ {
		gradW := make([]float64, nFeat)
		var gradB float64
		for i, row := range scaled {
			p := sigmoid(dot(m.weights, row) + m.bias)
			delta := p - float64(y[i])
			for j, v := range row {
				gradW[j] += delta * v
			}
			gradB += delta
		}
		for j := range m.weights {
			m.weights[j] -= logitLearningRate * (gradW[j]/n + logitL2*m.weights[j])
		}
		m.bias -= logitLearningRate * gradB / n
	}
	return nil
}

func (m *logit) predict(features []float64) (string, float64) {
	p := sigmoid(dot(m.weights, m.scale(features)) + m.bias)
	if p >= 0.5 {
		return exchange.SideLong, p
	}
	return exchange.SideShort, 1 - p
}

func (m *logit) scale(features []float64) []float64 {
	out := make([]float64, len(features))
	for j, v := range features {
		out[j] = (v - m.mean[j]) / m.std[j]
	}
	return out
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	var sum float64
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}
