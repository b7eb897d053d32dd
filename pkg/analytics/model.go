package analytics

import "math"

const featureCount = 4

// trainingSample is kept in a bounded buffer purely for potential batch
// use; training itself is online and does not depend on the buffer.
type trainingSample struct {
	features [featureCount]float64
	target   float64
}

type accuracyPair struct {
	predicted float64
	actual    float64
}

// linearModel is a single-layer linear regressor over four normalized
// features, updated by single-sample gradient descent. The update rule
// (w += lr * err * f) is the portable contract; do not swap in a different
// model class.
type linearModel struct {
	weights [featureCount]float64
	bias    float64
	lr      float64

	samples  []trainingSample // cap 1000, pruned to 500
	accuracy []accuracyPair   // cap 100, pruned to 50
	trained  int
}

const (
	sampleCap   = 1000
	samplePrune = 500
	pairCap     = 100
	pairPrune   = 50
)

func newLinearModel(lr float64) *linearModel {
	if lr <= 0 {
		lr = 0.01
	}
	return &linearModel{
		// Starting point roughly matching the static defaults so early
		// predictions stay usable while the weights settle.
		weights: [featureCount]float64{-2000, 8000, 5000, 1000},
		bias:    25000,
		lr:      lr,
	}
}

func (m *linearModel) Predict(f [featureCount]float64) float64 {
	sum := m.bias
	for i, w := range m.weights {
		sum += w * f[i]
	}
	return sum
}

// Train performs one gradient step toward the observed target and records
// the prediction-vs-actual pair for accuracy tracking.
func (m *linearModel) Train(f [featureCount]float64, target float64) {
	predicted := m.Predict(f)
	err := target - predicted
	for i := range m.weights {
		m.weights[i] += m.lr * err * f[i]
	}
	m.bias += m.lr * err
	m.trained++

	m.samples = append(m.samples, trainingSample{features: f, target: target})
	if len(m.samples) > sampleCap {
		m.samples = append(m.samples[:0], m.samples[len(m.samples)-samplePrune:]...)
	}

	m.accuracy = append(m.accuracy, accuracyPair{predicted: predicted, actual: target})
	if len(m.accuracy) > pairCap {
		m.accuracy = append(m.accuracy[:0], m.accuracy[len(m.accuracy)-pairPrune:]...)
	}
}

// Accuracy returns 1 - mean(|predicted-actual|/actual), floored at 0.
// With no tracked pairs it returns 0.
func (m *linearModel) Accuracy() float64 {
	if len(m.accuracy) == 0 {
		return 0
	}
	var sum float64
	n := 0
	for _, p := range m.accuracy {
		if p.actual == 0 {
			continue
		}
		sum += math.Abs(p.predicted-p.actual) / math.Abs(p.actual)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Max(0, 1-sum/float64(n))
}
