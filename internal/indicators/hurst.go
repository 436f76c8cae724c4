// Package indicators рассчитывает канал Херста, EMA и метки тренда.
package indicators

import (
	"math"
	"sort"
)

// minHurstPoints минимальное число доходностей для оценки показателя
const minHurstPoints = 10

// HurstExponent оценивает показатель Херста методом R/S по ценам закрытия.
// При недостатке данных возвращает 0.5 (случайное блуждание).
func HurstExponent(closes []float64) float64 {
	returns := logReturns(closes)
	n := len(returns)
	if n < minHurstPoints {
		return 0.5
	}

	var xs, ys []float64
	for _, m := range partitionSizes(n) {
		segments := n / m
		var sum float64
		for s := 0; s < segments; s++ {
			sum += rescaledRange(returns[s*m : (s+1)*m])
		}
		avg := sum / float64(segments)
		if avg <= 0 {
			continue
		}
		xs = append(xs, math.Log(float64(m)))
		ys = append(ys, math.Log(avg))
	}
	if len(xs) < 2 {
		return 0.5
	}

	h := slope(xs, ys)
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0.5
	}
	return math.Max(0, math.Min(1, h))
}

// partitionSizes размеры отрезков {10, N/8, N/4, N/2}, строго меньше N/2.
// Отрезок из одной точки не дает выборочного отклонения и пропускается.
func partitionSizes(n int) []int {
	candidates := []int{10, n / 8, n / 4, n / 2}
	seen := make(map[int]bool, len(candidates))
	var out []int
	for _, m := range candidates {
		if m < 2 || 2*m >= n || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	sort.Ints(out)
	return out
}

func logReturns(closes []float64) []float64 {
	if len(closes) < 2 {
		return nil
	}
	out := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] <= 0 || closes[i] <= 0 {
			continue
		}
		out = append(out, math.Log(closes[i]/closes[i-1]))
	}
	return out
}

// rescaledRange R/S одного отрезка, 1 при нулевом отклонении
func rescaledRange(seg []float64) float64 {
	var mean float64
	for _, v := range seg {
		mean += v
	}
	mean /= float64(len(seg))

	var cum, minCum, maxCum, sq float64
	for i, v := range seg {
		d := v - mean
		cum += d
		sq += d * d
		if i == 0 || cum < minCum {
			minCum = cum
		}
		if i == 0 || cum > maxCum {
			maxCum = cum
		}
	}

	// постоянный сегмент: S равно нулю с точностью до округления среднего
	s := math.Sqrt(sq / float64(len(seg)-1))
	if s <= zeroStdTolerance*math.Max(1, math.Abs(mean)) {
		return 1
	}
	return (maxCum - minCum) / s
}

const zeroStdTolerance = 1e-12

// slope наклон линейной регрессии y по x методом наименьших квадратов
func slope(xs, ys []float64) float64 {
	n := float64(len(xs))
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return math.NaN()
	}
	return (n*sxy - sx*sy) / den
}
