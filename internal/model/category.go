package model

import (
	"fmt"
	"strings"
)

// Category 是灾害类别的封闭枚举。
type Category string

const (
	CategoryFire       Category = "fire"
	CategoryFlood      Category = "flood"
	CategoryStructural Category = "structural"
	CategoryCasualty   Category = "casualty"
)

// SafetyPriority 按人员风险从高到低排列，用于置信度完全相同时的裁决。
var SafetyPriority = []Category{
	CategoryCasualty,
	CategoryStructural,
	CategoryFire,
	CategoryFlood,
}

// Valid 判断类别是否属于已知枚举。
func (c Category) Valid() bool {
	return c.Priority() >= 0
}

// Priority 返回类别在安全优先级中的位置，数值越小优先级越高；未知类别返回 -1。
func (c Category) Priority() int {
	for i, candidate := range SafetyPriority {
		if candidate == c {
			return i
		}
	}
	return -1
}

// ParseCategory 解析外部输入的类别名。
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown disaster category %q", raw)
	}
	return c, nil
}

// RawScore 是外部分析器针对一张图片给出的逐类别置信度。
type RawScore map[Category]float64

// Validate 检查类别合法且置信度位于 [0,1]。
func (s RawScore) Validate() error {
	for c, v := range s {
		if !c.Valid() {
			return fmt.Errorf("unknown disaster category %q", c)
		}
		if v < 0 || v > 1 || v != v {
			return fmt.Errorf("confidence for %s out of range: %v", c, v)
		}
	}
	return nil
}

// Clone 返回独立副本，保证下游拿到的分数不可被篡改。
func (s RawScore) Clone() RawScore {
	out := make(RawScore, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
