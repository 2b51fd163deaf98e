package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/tryphe/trader-sub000/internal/engine"
	"github.com/tryphe/trader-sub000/internal/exchange/paper"
	"github.com/tryphe/trader-sub000/internal/exchange/rest"
	"github.com/tryphe/trader-sub000/internal/journal"
	"github.com/tryphe/trader-sub000/internal/metrics"
	"github.com/tryphe/trader-sub000/internal/opsapi"
	"github.com/tryphe/trader-sub000/pkg/config"
	"github.com/tryphe/trader-sub000/pkg/logger"
	"github.com/tryphe/trader-sub000/pkg/persistence"
	"github.com/tryphe/trader-sub000/pkg/shutdown"
	"github.com/tryphe/trader-sub000/pkg/syncgroup"
)

func main() {
	configPath := flag.String("config", "yml/trader.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", ".env 文件路径（不存在则忽略）")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "加载 %s 失败: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	logrus.Infof("使用配置文件: %s（交易所=%d dry_run=%v）", *configPath, len(cfg.Exchanges), cfg.DryRun)

	if err := run(cfg); err != nil {
		logrus.Errorf("❌ 启动失败: %v", err)
		_ = logger.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	svc, closeStore, err := openPersistence(cfg.Persistence)
	if err != nil {
		return fmt.Errorf("打开状态存储: %w", err)
	}

	var jr *journal.Journal
	if cfg.JournalPath != "" {
		if jr, err = journal.Open(cfg.JournalPath, 1024); err != nil {
			_ = closeStore.Close()
			return fmt.Errorf("打开成交流水: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := syncgroup.NewSyncGroup()
	var opsEngines []opsapi.Engine
	for i := range cfg.Exchanges {
		ex := &cfg.Exchanges[i]
		eng, err := buildExchange(ctx, ex, svc, jr, group)
		if err != nil {
			cancel()
			group.Wait()
			closeAll(jr, closeStore)
			return fmt.Errorf("%s: %w", ex.Name, err)
		}
		opsEngines = append(opsEngines, eng)
	}

	if cfg.DebugListen != "" {
		if _, err := metrics.StartAsync(ctx, cfg.DebugListen); err != nil {
			logrus.Warnf("⚠️ 调试服务启动失败: %v", err)
		} else {
			logrus.Infof("🔧 调试服务监听 %s", cfg.DebugListen)
		}
	}
	if cfg.OpsListen != "" {
		ops := opsapi.New(opsEngines, journalOrNil(jr))
		group.AddNamed("opsapi", func() {
			if err := ops.Serve(ctx, cfg.OpsListen); err != nil {
				logrus.Errorf("❌ 运维接口退出: %v", err)
			}
		})
	}
	group.Run()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logrus.Infof("收到信号 %v，开始优雅关闭...", sig)

	// 0: 停引擎与适配器（引擎退出时保存梯子） 1: 刷新流水并关闭存储
	sm := shutdown.NewManager()
	sm.OnShutdown(0, "engines", func(context.Context) {
		cancel()
		group.Wait()
	})
	sm.OnShutdown(1, "storage", func(sctx context.Context) {
		if jr != nil {
			if err := jr.Flush(sctx); err != nil {
				logrus.Warnf("⚠️ 刷新成交流水失败: %v", err)
			}
		}
		closeAll(jr, closeStore)
	})
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	sm.Shutdown(shutdownCtx)

	logrus.Info("程序已退出")
	return logger.Close()
}

// buildExchange 创建引擎与适配器，并把它们登记到 group
func buildExchange(ctx context.Context, ex *config.ExchangeConfig, svc persistence.Service, jr *journal.Journal, group *syncgroup.SyncGroup) (*engine.Engine, error) {
	eng := engine.New(ex.EngineConfig(), nil)
	for _, mc := range ex.Markets {
		mi, err := mc.MarketInfo()
		if err != nil {
			return nil, err
		}
		if err := eng.AddMarket(mi); err != nil {
			return nil, err
		}
	}
	if ex.Scheduler.Budget != nil {
		eng.Scheduler().SetBudget(ex.Scheduler.Budget.New())
	}
	if jr != nil {
		eng.SetJournal(jr)
	}
	eng.SetStore(svc.NewStore("state", ex.Name, "ladder"))
	restored, err := eng.RestoreLadder()
	if err != nil {
		return nil, fmt.Errorf("恢复梯子: %w", err)
	}
	if restored {
		logrus.Infof("📥 %s 已从状态存储恢复梯子", ex.Name)
	}

	switch ex.Kind {
	case config.KindPaper:
		px := paper.New(ex.Name, paper.Options{Async: true, PushStatus: true})
		px.SetReporter(eng)
		for _, mc := range ex.Markets {
			if mc.PaperBid.IsPositive() && mc.PaperAsk.IsPositive() {
				mi, _ := mc.MarketInfo()
				px.SetSpread(mi.Market, mc.PaperBid, mc.PaperAsk)
			}
		}
		eng.SetAdapter(px)
		group.AddNamed(ex.Name+"/paper", func() { px.Start(ctx) })
	case config.KindREST:
		gw := ex.Gateway
		client := rest.NewClient(rest.ClientConfig{
			BaseURL:    gw.BaseURL,
			APIKey:     gw.APIKey,
			Timeout:    gw.Timeout,
			RetryCount: gw.RetryCount,
			Limits:     gw.Limits,
		})
		adapter := rest.NewAdapter(rest.AdapterConfig{
			Name:           ex.Name,
			Workers:        gw.Workers,
			Queue:          gw.Queue,
			RequestTimeout: gw.Timeout,
		}, client, eng)
		eng.SetAdapter(adapter)
		group.AddNamed(ex.Name+"/rest", func() { adapter.Start(ctx) })
		if gw.StreamURL != "" {
			stream := rest.NewStream(ex.Name, rest.StreamConfig{
				URL:            gw.StreamURL,
				APIKey:         gw.APIKey,
				PingInterval:   gw.PingInterval,
				ReconnectDelay: gw.ReconnectDelay,
			}, eng)
			group.AddNamed(ex.Name+"/stream", func() { stream.Run(ctx) })
		}
	default:
		return nil, fmt.Errorf("未知的适配器类型 %q", ex.Kind)
	}

	group.AddNamed(ex.Name+"/engine", func() { eng.Run(ctx) })
	return eng, nil
}

func openPersistence(pc config.PersistenceConfig) (persistence.Service, io.Closer, error) {
	switch pc.Backend {
	case config.BackendMemory:
		return persistence.NewMemoryService(), nopCloser{}, nil
	case config.BackendBadger:
		key, err := persistence.ParseKey(pc.Key)
		if err != nil {
			return nil, nil, err
		}
		svc, err := persistence.OpenBadger(persistence.BadgerOptions{Path: pc.Path, EncryptionKey: key})
		if err != nil {
			return nil, nil, err
		}
		return svc, svc, nil
	default:
		if err := os.MkdirAll(pc.Path, 0o755); err != nil {
			return nil, nil, err
		}
		return persistence.NewJSONFileService(pc.Path), nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// journalOrNil 避免把 nil 指针包装成非 nil 接口
func journalOrNil(jr *journal.Journal) opsapi.Journal {
	if jr == nil {
		return nil
	}
	return jr
}

func closeAll(jr *journal.Journal, store io.Closer) {
	if jr != nil {
		if err := jr.Close(); err != nil {
			logrus.Warnf("⚠️ 关闭成交流水失败: %v", err)
		}
	}
	if err := store.Close(); err != nil {
		logrus.Warnf("⚠️ 关闭状态存储失败: %v", err)
	}
}
