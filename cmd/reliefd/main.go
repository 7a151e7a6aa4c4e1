package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"ReliefChain/internal/analyzer"
	"ReliefChain/internal/api"
	"ReliefChain/internal/auditor"
	"ReliefChain/internal/bus"
	"ReliefChain/internal/config"
	"ReliefChain/internal/ledger"
	"ReliefChain/internal/observability/alerting"
	"ReliefChain/internal/orchestrator"
	"ReliefChain/internal/pipeline"
	"ReliefChain/internal/store"
	"ReliefChain/internal/treasurer"
	"ReliefChain/internal/watchtower"
	"ReliefChain/pkg/logger"

	"github.com/redis/go-redis/v9"
)

// main 是 reliefd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("reliefd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("RELIEF_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "relief.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Named("reliefd")

	policy, err := config.NewPolicyLoader(cfg.PolicyFile)
	if err != nil {
		return err
	}
	go func() {
		if err := policy.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("策略文件监听退出", "error", err)
		}
	}()

	repo, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer repo.Close()

	b, err := openBus(ctx, cfg.Bus)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("关闭消息总线失败", "error", err)
		}
	}()

	network, err := ledger.Open(ctx, cfg.Ledger)
	if err != nil {
		return err
	}
	defer network.Close()
	chain := ledger.WithBreaker(network.Name, network, ledger.BreakerSettings{
		ConsecutiveFailures: uint32(cfg.Ledger.Breaker.ConsecutiveFailures),
		OpenTimeout:         time.Duration(cfg.Ledger.Breaker.OpenSeconds) * time.Second,
		Interval:            time.Duration(cfg.Ledger.Breaker.IntervalSeconds) * time.Second,
	})

	images, err := createAnalyzer(cfg.Analyzer)
	if err != nil {
		return err
	}

	var treasurerOpts []treasurer.Option
	if cfg.Treasurer.LockDriver == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Bus.Redis.Address,
			Password: cfg.Bus.Redis.Password,
			DB:       cfg.Bus.Redis.DB,
		})
		defer client.Close()
		treasurerOpts = append(treasurerOpts, treasurer.WithLocker(
			treasurer.NewRedisLocker(client, cfg.Bus.Redis.KeyPrefix, cfg.Treasurer.LockTTL())))
	}

	heartbeat := cfg.Orchestrator.HeartbeatInterval()
	wt := watchtower.New(images, policy, b, watchtower.Config{
		Retries:           cfg.Analyzer.Retries,
		AnalyzeTimeout:    cfg.Analyzer.Timeout(),
		HeartbeatInterval: heartbeat,
	})
	au := auditor.New(auditor.NewConfidenceScorer(policy, nil), policy, repo.Verified, b, heartbeat)
	tr := treasurer.New(policy, repo.Funding, chain, b, treasurer.ConfigFrom(cfg.Treasurer, heartbeat), treasurerOpts...)
	rec := pipeline.NewRecorder(repo.Records, b, heartbeat)

	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	sup := orchestrator.New(b, alerting.NewFanout(notifiers...), orchestrator.ConfigFrom(cfg.Orchestrator))
	sup.Register(wt, au, tr, rec)

	accounts := make([]string, 0, len(cfg.Ledger.Accounts))
	for _, a := range cfg.Ledger.Accounts {
		accounts = append(accounts, a.Name)
	}
	balances := pipeline.NewBalancePoller(chain, accounts, cfg.Treasurer.BalancePoll())

	svc := pipeline.NewService(pipeline.Options{
		Bus:            b,
		Records:        repo.Records,
		Health:         sup,
		Funding:        tr,
		Balances:       balances,
		CommandTimeout: cfg.Pipeline.CommandTimeout(),
		RecentFailures: cfg.Pipeline.RecentFailures,
	})

	// 后台协程全部退出之后，前面注册的 defer 才会关闭链、总线和存储。
	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()
	goAwait := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	goAwait(func() { _ = network.Run(ctx) })
	goAwait(func() { _ = balances.Run(ctx) })
	goAwait(func() {
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("监督器异常退出", "error", err)
		}
	})
	goAwait(func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("结果订阅异常退出", "error", err)
		}
	})

	log.Info("reliefd 已启动", "chain", network.Name, "bus", cfg.Bus.Driver, "storage", cfg.Storage.Driver)
	server := api.NewServer(cfg.Server.Address, svc, api.Limits{
		DetectPerMinute:   cfg.Server.DetectPerMinute,
		FullTestPerMinute: cfg.Server.FullTestPerMinute,
	})
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openBus 根据配置创建总线，死信统一转成失败记录。
func openBus(ctx context.Context, cfg config.BusConfig) (bus.Bus, error) {
	var b bus.Bus
	policy := bus.RedeliveryPolicy{
		MaxRedeliveries: cfg.MaxRedeliveries,
		InitialDelay:    cfg.RedeliveryDelay(),
		MaxDelay:        30 * cfg.RedeliveryDelay(),
		DeadLetter: func(ctx context.Context, env bus.Envelope, cause error) {
			pipeline.DeadLetterReporter(b)(ctx, env, cause)
		},
	}

	switch cfg.Driver {
	case "", "memory":
		mem := bus.NewMemoryBus(policy)
		pipeline.DeclareTopology(mem)
		b = mem
	case "redis":
		rb, err := bus.NewRedisBus(ctx, bus.RedisConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			BlockWait: time.Duration(cfg.Redis.BlockWait) * time.Second,
			Policy:    policy,
		})
		if err != nil {
			return nil, err
		}
		for topic, groups := range pipeline.Topology() {
			if err := rb.Declare(ctx, topic, groups...); err != nil {
				_ = rb.Close()
				return nil, err
			}
		}
		b = rb
	case "rabbitmq":
		rb, err := bus.NewRabbitMQBus(ctx, bus.RabbitMQConfig{
			URL:            cfg.RabbitMQ.URL,
			ExchangePrefix: cfg.RabbitMQ.ExchangePrefix,
			Policy:         policy,
		})
		if err != nil {
			return nil, err
		}
		b = rb
	case "mqtt":
		mb, err := bus.NewMQTTBus(ctx, bus.MQTTConfig{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Policy:      policy,
		})
		if err != nil {
			return nil, err
		}
		b = mb
	default:
		return nil, fmt.Errorf("未知的总线驱动: %s", cfg.Driver)
	}
	return b, nil
}

func createAnalyzer(cfg config.AnalyzerConfig) (analyzer.Analyzer, error) {
	var base analyzer.Analyzer
	switch cfg.Driver {
	case "", "static":
		static, err := analyzer.LoadStatic(cfg.FixturesFile)
		if err != nil {
			return nil, err
		}
		return static, nil
	case "http":
		apiKey := ""
		if cfg.APIKeyEnv != "" {
			apiKey = strings.TrimSpace(os.Getenv(cfg.APIKeyEnv))
		}
		client, err := analyzer.NewHTTPClient(analyzer.HTTPConfig{
			Endpoint: cfg.Endpoint,
			APIKey:   apiKey,
			Timeout:  cfg.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		base = client
	default:
		return nil, fmt.Errorf("未知的分析器驱动: %s", cfg.Driver)
	}
	return analyzer.WithBreaker(base, analyzer.BreakerSettings{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         time.Duration(cfg.Breaker.OpenSeconds) * time.Second,
		Interval:            time.Duration(cfg.Breaker.IntervalSeconds) * time.Second,
	}), nil
}
