package analyzer

import (
	"context"
	"errors"

	"ReliefChain/internal/model"
)

// ErrUnavailable 表示分析能力暂不可用（超时、网络错误或服务端错误）。
var ErrUnavailable = errors.New("analysis unavailable")

// Analyzer 是外部图像分析能力：对一张图片返回逐类别置信度。
type Analyzer interface {
	Analyze(ctx context.Context, req model.ImageRequest) (model.RawScore, error)
}

// Func 把普通函数适配为 Analyzer。
type Func func(ctx context.Context, req model.ImageRequest) (model.RawScore, error)

// Analyze 调用函数本身。
func (f Func) Analyze(ctx context.Context, req model.ImageRequest) (model.RawScore, error) {
	return f(ctx, req)
}
