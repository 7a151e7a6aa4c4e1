package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"ReliefChain/pkg/logger"
)

// PolicyProvider 向代理提供当前生效的策略快照。
type PolicyProvider interface {
	Policy() *Policy
}

// StaticPolicy 是不可热更新的策略来源。
type StaticPolicy struct {
	p *Policy
}

// NewStaticPolicy 包装固定策略。
func NewStaticPolicy(p *Policy) StaticPolicy {
	return StaticPolicy{p: p}
}

// Policy 返回固定策略。
func (s StaticPolicy) Policy() *Policy { return s.p }

// PolicyLoader 读取 YAML 策略文件并监听修改；非法的新版本被拒绝，旧版本继续生效。
type PolicyLoader struct {
	path     string
	current  atomic.Pointer[Policy]
	mu       sync.Mutex
	onChange []func(*Policy)
}

// NewPolicyLoader 完成首次加载。路径为空时使用内置默认策略。
func NewPolicyLoader(path string) (*PolicyLoader, error) {
	l := &PolicyLoader{path: path}
	p, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current.Store(p)
	return l, nil
}

// Policy 返回当前策略。
func (l *PolicyLoader) Policy() *Policy {
	return l.current.Load()
}

// OnChange 注册策略更新回调。
func (l *PolicyLoader) OnChange(fn func(*Policy)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Reload 立即重新读取策略文件。
func (l *PolicyLoader) Reload() (*Policy, error) {
	p, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current.Store(p)
	l.mu.Lock()
	callbacks := append([]func(*Policy){}, l.onChange...)
	l.mu.Unlock()
	for _, fn := range callbacks {
		fn(p)
	}
	return p, nil
}

// Watch 在后台监听策略文件，直到 ctx 结束。
func (l *PolicyLoader) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建策略监听器失败: %w", err)
	}
	// 监听目录而不是文件，编辑器通过重命名替换文件时也能收到事件。
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("监听策略目录失败: %w", err)
	}
	log := logger.Named("config")
	target := filepath.Clean(l.path)

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
					continue
				}
				if _, err := l.Reload(); err != nil {
					log.Warn("策略热更新被拒绝，继续使用旧策略", slog.Any("error", err))
					continue
				}
				log.Info("策略已热更新", slog.String("path", l.path))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn("策略监听出错", slog.Any("error", err))
			}
		}
	}()
	return nil
}

func (l *PolicyLoader) load() (*Policy, error) {
	p := DefaultPolicy()
	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("读取策略文件 %s 失败: %w", l.path, err)
		}
		if err := yaml.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("解析策略文件 %s 失败: %w", l.path, err)
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("策略校验失败: %w", err)
	}
	return p, nil
}
