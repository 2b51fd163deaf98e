package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tryphe/trader-sub000/internal/domain"
	"github.com/tryphe/trader-sub000/internal/engine"
	"github.com/tryphe/trader-sub000/internal/risk"
	"github.com/tryphe/trader-sub000/internal/scheduler"
	"github.com/tryphe/trader-sub000/pkg/logger"
	"github.com/tryphe/trader-sub000/pkg/money"
	"github.com/tryphe/trader-sub000/pkg/ratelimit"
)

// 交易所适配器类型
const (
	KindPaper = "paper"
	KindREST  = "rest"
)

// 持久化后端
const (
	BackendJSON   = "json"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// PersistenceConfig 梯子状态存储配置
type PersistenceConfig struct {
	Backend string `yaml:"backend"` // json | badger | memory
	Path    string `yaml:"path"`
	// Key badger 加密密钥（hex/base64，32 字节），为空表示不加密
	Key string `yaml:"key"`
}

// TimingConfig 周期与对账时间参数（零值使用引擎默认值）
type TimingConfig struct {
	SendInterval          time.Duration `yaml:"send_interval"`
	OrderBookPollInterval time.Duration `yaml:"order_book_poll_interval"`
	TickerPollInterval    time.Duration `yaml:"ticker_poll_interval"`
	SweepInterval         time.Duration `yaml:"sweep_interval"`
	ConsolidateInterval   time.Duration `yaml:"consolidate_interval"`
	MaintenanceInterval   time.Duration `yaml:"maintenance_interval"`
	SaveInterval          time.Duration `yaml:"save_interval"`
	SafetyDelay           time.Duration `yaml:"safety_delay"`
	TickerSafetyDelay     time.Duration `yaml:"ticker_safety_delay"`
	SnapshotTolerance     time.Duration `yaml:"snapshot_tolerance"`
	StrayGrace            time.Duration `yaml:"stray_grace"`
	SlippageTickStep      int           `yaml:"slippage_tick_step"`
	SlippageMaxAge        time.Duration `yaml:"slippage_max_age"`
	CancelRetry           time.Duration `yaml:"cancel_retry"`
}

// SchedulerConfig 出站请求调度参数
type SchedulerConfig struct {
	QueueLimit              int              `yaml:"queue_limit"`
	SentLimit               int              `yaml:"sent_limit"`
	LagMultiple             int              `yaml:"lag_multiple"`
	RequestTimeout          time.Duration    `yaml:"request_timeout"`
	CancelPriorityThreshold int              `yaml:"cancel_priority_threshold"`
	NonceBump               int64            `yaml:"nonce_bump"`
	Weights                 map[string]int   `yaml:"weights"`
	Budget                  *ratelimit.Limit `yaml:"budget"` // 可选：总权重预算
}

// MarketConfig 单个交易对
type MarketConfig struct {
	Name                   string      `yaml:"name"`
	PriceTick              money.Money `yaml:"price_tick"`
	QtyTick                money.Money `yaml:"qty_tick"`
	OrderMin               int         `yaml:"order_min"`
	OrderMax               int         `yaml:"order_max"`
	ConsolidationThreshold int         `yaml:"consolidation_threshold"`
	LandmarkStart          int         `yaml:"landmark_start"`
	LandmarkThresh         int         `yaml:"landmark_thresh"`
	PostOnly               bool        `yaml:"post_only"`
	PercentPriceUp         money.Money `yaml:"percent_price_up"`
	PercentPriceDown       money.Money `yaml:"percent_price_down"`
	// PaperBid/PaperAsk 纸交易的初始盘口（仅 paper 适配器使用）
	PaperBid money.Money `yaml:"paper_bid"`
	PaperAsk money.Money `yaml:"paper_ask"`
	// Ladder setorder 行：setorder <market> <side> <buy> <sell> <size>[/<alt>] <active|ghost>
	Ladder []string `yaml:"ladder"`
}

// GatewayConfig REST 网关适配器参数
type GatewayConfig struct {
	BaseURL        string                     `yaml:"base_url"`
	APIKey         string                     `yaml:"api_key"`
	Timeout        time.Duration              `yaml:"timeout"`
	RetryCount     int                        `yaml:"retry_count"`
	Workers        int                        `yaml:"workers"`
	Queue          int                        `yaml:"queue"`
	StreamURL      string                     `yaml:"stream_url"`
	PingInterval   time.Duration              `yaml:"ping_interval"`
	ReconnectDelay time.Duration              `yaml:"reconnect_delay"`
	Limits         map[string]ratelimit.Limit `yaml:"limits"`
}

// ExchangeConfig 单个交易所实例
type ExchangeConfig struct {
	Name      string          `yaml:"name"`
	Kind      string          `yaml:"kind"` // paper | rest
	Fee       money.Money     `yaml:"fee"`
	Bias      money.Money     `yaml:"bias"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Timing    TimingConfig    `yaml:"timing"`
	// MaxConsecutiveRejects 连续拒单熔断阈值（0 关闭）
	MaxConsecutiveRejects int64          `yaml:"max_consecutive_rejects"`
	Markets               []MarketConfig `yaml:"markets"`
}

// ConfigFile 配置文件结构
type ConfigFile struct {
	Log         logger.Config     `yaml:"log"`
	Persistence PersistenceConfig `yaml:"persistence"`
	JournalPath string            `yaml:"journal_path"`
	OpsListen   string            `yaml:"ops_listen"`
	DebugListen string            `yaml:"debug_listen"`
	DryRun      bool              `yaml:"dry_run"`
	Exchanges   []ExchangeConfig  `yaml:"exchanges"`
}

// Config 应用配置
type Config struct {
	Log         logger.Config
	Persistence PersistenceConfig
	JournalPath string
	OpsListen   string
	DebugListen string
	// DryRun 纸交易模式：所有交易所都使用内存撮合，不发出真实请求
	DryRun    bool
	Exchanges []ExchangeConfig
}

// LoadFromFile 从 YAML 文件加载配置，随后应用环境变量覆盖并校验
func LoadFromFile(filePath string) (*Config, error) {
	cf, err := loadConfigFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("加载配置文件失败 %s: %w", filePath, err)
	}
	return build(cf)
}

// Parse 从内存中的 YAML 构建配置（测试与内嵌配置用）
func Parse(data []byte) (*Config, error) {
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析 YAML 失败: %w", err)
	}
	return build(&cf)
}

func loadConfigFile(filePath string) (*ConfigFile, error) {
	data, err := os.ReadFile(filepath.Clean(filePath))
	if err != nil {
		return nil, err
	}
	var cf ConfigFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("解析 YAML 失败: %w", err)
	}
	return &cf, nil
}

func build(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		Log:         cf.Log,
		Persistence: cf.Persistence,
		JournalPath: cf.JournalPath,
		OpsListen:   cf.OpsListen,
		DebugListen: cf.DebugListen,
		DryRun:      cf.DryRun,
		Exchanges:   cf.Exchanges,
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv 环境变量覆盖（优先级：环境变量 > 配置文件 > 默认值）
func (c *Config) applyEnv() {
	c.Log.Level = getEnv("TRADER_LOG_LEVEL", c.Log.Level)
	c.Log.OutputFile = getEnv("TRADER_LOG_FILE", c.Log.OutputFile)
	c.Persistence.Backend = getEnv("TRADER_PERSISTENCE_BACKEND", c.Persistence.Backend)
	c.Persistence.Path = getEnv("TRADER_PERSISTENCE_PATH", c.Persistence.Path)
	c.Persistence.Key = getEnv("TRADER_PERSISTENCE_KEY", c.Persistence.Key)
	c.JournalPath = getEnv("TRADER_JOURNAL_PATH", c.JournalPath)
	c.OpsListen = getEnv("TRADER_OPS_LISTEN", c.OpsListen)
	c.DebugListen = getEnv("TRADER_DEBUG_LISTEN", c.DebugListen)
	c.DryRun = parseBoolEnv("TRADER_DRY_RUN", c.DryRun)

	// 每个交易所的密钥：TRADER_<NAME>_API_KEY
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		key := "TRADER_" + envName(ex.Name) + "_API_KEY"
		ex.Gateway.APIKey = getEnv(key, ex.Gateway.APIKey)
	}
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendJSON
	}
	if c.Persistence.Path == "" && c.Persistence.Backend != BackendMemory {
		c.Persistence.Path = "data/state"
	}
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		if ex.Kind == "" {
			ex.Kind = KindPaper
		}
		if c.DryRun {
			ex.Kind = KindPaper
		}
		if ex.Gateway.Workers <= 0 {
			ex.Gateway.Workers = 4
		}
		if ex.Gateway.Queue <= 0 {
			ex.Gateway.Queue = 256
		}
		for j := range ex.Markets {
			mc := &ex.Markets[j]
			if mc.QtyTick.IsZero() {
				mc.QtyTick = money.MustParse("0.00000001")
			}
		}
	}
}

// Validate 校验配置
func (c *Config) Validate() error {
	switch c.Persistence.Backend {
	case BackendJSON, BackendBadger, BackendMemory:
	default:
		return fmt.Errorf("未知的持久化后端: %s", c.Persistence.Backend)
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("至少需要配置一个交易所")
	}
	names := make(map[string]struct{}, len(c.Exchanges))
	for _, ex := range c.Exchanges {
		if ex.Name == "" {
			return fmt.Errorf("交易所名称不能为空")
		}
		if _, dup := names[ex.Name]; dup {
			return fmt.Errorf("交易所名称重复: %s", ex.Name)
		}
		names[ex.Name] = struct{}{}
		switch ex.Kind {
		case KindPaper:
		case KindREST:
			if ex.Gateway.BaseURL == "" {
				return fmt.Errorf("%s: rest 适配器需要 gateway.base_url", ex.Name)
			}
		default:
			return fmt.Errorf("%s: 未知的适配器类型 %q", ex.Name, ex.Kind)
		}
		for w := range ex.Scheduler.Weights {
			if _, err := parseCommand(w); err != nil {
				return fmt.Errorf("%s: %w", ex.Name, err)
			}
		}
		markets := make(map[domain.Market]struct{}, len(ex.Markets))
		for _, mc := range ex.Markets {
			mi, err := mc.MarketInfo()
			if err != nil {
				return fmt.Errorf("%s: %w", ex.Name, err)
			}
			if _, dup := markets[mi.Market]; dup {
				return fmt.Errorf("%s: 交易对重复: %s", ex.Name, mi.Market)
			}
			markets[mi.Market] = struct{}{}
		}
	}
	return nil
}

// Find 按名称查找交易所配置
func (c *Config) Find(name string) (*ExchangeConfig, bool) {
	for i := range c.Exchanges {
		if c.Exchanges[i].Name == name {
			return &c.Exchanges[i], true
		}
	}
	return nil, false
}

// EngineConfig 构建引擎配置
func (ex *ExchangeConfig) EngineConfig() engine.Config {
	weights := make(map[domain.Command]int, len(ex.Scheduler.Weights))
	for k, v := range ex.Scheduler.Weights {
		if cmd, err := parseCommand(k); err == nil {
			weights[cmd] = v
		}
	}
	return engine.Config{
		Exchange: ex.Name,
		Fee:      ex.Fee,
		Bias:     ex.Bias,
		Scheduler: scheduler.Config{
			QueueLimit:              ex.Scheduler.QueueLimit,
			SentLimit:               ex.Scheduler.SentLimit,
			LagMultiple:             ex.Scheduler.LagMultiple,
			BookPollInterval:        ex.Timing.OrderBookPollInterval,
			RequestTimeout:          ex.Scheduler.RequestTimeout,
			CancelPriorityThreshold: ex.Scheduler.CancelPriorityThreshold,
			Weights:                 weights,
			NonceBump:               ex.Scheduler.NonceBump,
		},
		Timing:  ex.Timing.Engine(),
		Breaker: risk.CircuitBreakerConfig{MaxConsecutiveRejects: ex.MaxConsecutiveRejects},
	}
}

// Engine 转换为引擎的 Timing
func (t TimingConfig) Engine() engine.Timing {
	return engine.Timing{
		SendInterval:          t.SendInterval,
		OrderBookPollInterval: t.OrderBookPollInterval,
		TickerPollInterval:    t.TickerPollInterval,
		SweepInterval:         t.SweepInterval,
		ConsolidateInterval:   t.ConsolidateInterval,
		MaintenanceInterval:   t.MaintenanceInterval,
		SaveInterval:          t.SaveInterval,
		SafetyDelay:           t.SafetyDelay,
		TickerSafetyDelay:     t.TickerSafetyDelay,
		SnapshotTolerance:     t.SnapshotTolerance,
		StrayGrace:            t.StrayGrace,
		SlippageTickStep:      t.SlippageTickStep,
		SlippageMaxAge:        t.SlippageMaxAge,
		CancelRetry:           t.CancelRetry,
	}
}

// MarketInfo 构建交易对信息（包括内联梯子），并做校验
func (mc MarketConfig) MarketInfo() (*domain.MarketInfo, error) {
	m, err := domain.ParseMarket(mc.Name)
	if err != nil {
		return nil, err
	}
	mi := domain.NewMarketInfo(m)
	mi.PriceTick = mc.PriceTick
	mi.QtyTick = mc.QtyTick
	mi.OrderMin = mc.OrderMin
	mi.OrderMax = mc.OrderMax
	mi.ConsolidationThreshold = mc.ConsolidationThreshold
	mi.LandmarkStart = mc.LandmarkStart
	mi.LandmarkThresh = mc.LandmarkThresh
	mi.PostOnly = mc.PostOnly
	mi.PercentPriceUp = mc.PercentPriceUp
	mi.PercentPriceDown = mc.PercentPriceDown

	ladder, err := domain.ParseLadderDump(strings.NewReader(strings.Join(mc.Ladder, "\n")))
	if err != nil {
		return nil, fmt.Errorf("%s 梯子: %w", m, err)
	}
	for _, ds := range ladder {
		if ds.Market != m {
			return nil, fmt.Errorf("%s 梯子包含其他交易对 %s", m, ds.Market)
		}
		if _, inserted := mi.SetSlot(ds.LadderSlot); !inserted {
			return nil, fmt.Errorf("%s 梯子买价重复: %s", m, ds.BuyPrice)
		}
	}
	if err := mi.Validate(); err != nil {
		return nil, err
	}
	return mi, nil
}

func parseCommand(s string) (domain.Command, error) {
	switch cmd := domain.Command(strings.ToLower(s)); cmd {
	case domain.CmdBuy, domain.CmdSell, domain.CmdCancel, domain.CmdOpenOrders, domain.CmdTicker:
		return cmd, nil
	}
	return "", fmt.Errorf("未知的请求类型: %s", s)
}

func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, name)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
