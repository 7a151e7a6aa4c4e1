package watchtower

import (
	"math"

	"ReliefChain/internal/config"
	"ReliefChain/internal/model"
)

// Select 选出置信度达到阈值且最高的类别；置信度完全相同时按安全优先级决胜。
// 没有任何类别达到阈值时返回 false，图片视为非事件。
func Select(scores model.RawScore, thresholds map[model.Category]float64) (model.Category, float64, bool) {
	var (
		best       model.Category
		bestScore  float64
		qualifying bool
	)
	for _, c := range model.SafetyPriority {
		v, ok := scores[c]
		if !ok || math.IsNaN(v) {
			continue
		}
		threshold, ok := thresholds[c]
		if !ok || v < threshold {
			continue
		}
		// SafetyPriority 从高到低遍历，只有严格更高的分数才能替换。
		if !qualifying || v > bestScore {
			best, bestScore, qualifying = c, v, true
		}
	}
	return best, bestScore, qualifying
}

// SizeFactor 以参考面积归一化图像尺寸。尺寸未知时返回 1。
func SizeFactor(p config.SizeFactorPolicy, width, height int) float64 {
	if width <= 0 || height <= 0 || p.ReferenceWidth <= 0 || p.ReferenceHeight <= 0 {
		return 1
	}
	f := float64(width) * float64(height) / (float64(p.ReferenceWidth) * float64(p.ReferenceHeight))
	if p.Min > 0 && f < p.Min {
		f = p.Min
	}
	if p.Max > 0 && f > p.Max {
		f = p.Max
	}
	return f
}

// Severity = confidence × category_multiplier × size_factor，结果不会为负。
func Severity(confidence, multiplier, sizeFactor float64) float64 {
	s := confidence * multiplier * sizeFactor
	if s < 0 || math.IsNaN(s) {
		return 0
	}
	return s
}
