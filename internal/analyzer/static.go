package analyzer

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"ReliefChain/internal/model"
)

// Static 从固定样本返回置信度，未登记的图片按引用的哈希生成确定性分数。
// 用于演示、端到端测试与离线环境。
type Static struct {
	mu       sync.RWMutex
	fixtures map[string]model.RawScore
}

// NewStatic 创建静态分析器。
func NewStatic(fixtures map[string]model.RawScore) *Static {
	s := &Static{fixtures: make(map[string]model.RawScore, len(fixtures))}
	for ref, scores := range fixtures {
		s.fixtures[ref] = scores.Clone()
	}
	return s
}

// LoadStatic 从 YAML 文件加载样本，格式为 image_ref -> {category: confidence}。
func LoadStatic(path string) (*Static, error) {
	if strings.TrimSpace(path) == "" {
		return NewStatic(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取分析样本失败: %w", err)
	}
	var raw map[string]model.RawScore
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("解析分析样本失败: %w", err)
	}
	for ref, scores := range raw {
		if err := scores.Validate(); err != nil {
			return nil, fmt.Errorf("样本 %s 无效: %w", ref, err)
		}
	}
	return NewStatic(raw), nil
}

// Set 登记或覆盖一张图片的分数。
func (s *Static) Set(imageRef string, scores model.RawScore) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixtures[imageRef] = scores.Clone()
}

// Analyze 返回样本或确定性分数。
func (s *Static) Analyze(ctx context.Context, req model.ImageRequest) (model.RawScore, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.mu.RLock()
	scores, ok := s.fixtures[req.ImageRef]
	s.mu.RUnlock()
	if ok {
		return scores.Clone(), nil
	}
	return derivedScores(req.ImageRef), nil
}

func derivedScores(ref string) model.RawScore {
	sum := sha256.Sum256([]byte(ref))
	out := make(model.RawScore, len(model.SafetyPriority))
	for i, c := range model.SafetyPriority {
		v := binary.BigEndian.Uint16(sum[i*2 : i*2+2])
		out[c] = float64(v%1001) / 1000
	}
	return out
}
