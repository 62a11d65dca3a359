package ops

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"signalbridge/internal/risk"
	"signalbridge/internal/scan"

	"github.com/joho/godotenv"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// FileConfig mirrors the JSON config layout. Durations are
// nanoseconds, same as time.Duration's wire form.
type FileConfig struct {
	Feed     FeedConfig     `json:"feed"`
	Store    StoreConfig    `json:"store"`
	Strategy StrategyConfig `json:"strategy"`
	Alert    AlertConfig    `json:"alert"`
	Risk     risk.Config    `json:"risk"`
	Trade    TradeConfig    `json:"trade"`
	Server   ServerConfig   `json:"server"`
	Profile  ProfileConfig  `json:"profile"`
}

// FeedConfig selects and parameterizes the price source.
type FeedConfig struct {
	// Mode is "ws" or "poll".
	Mode     string        `json:"mode"`
	WsURL    string        `json:"wsUrl"`
	ApiURL   string        `json:"apiUrl"`
	Symbols  []string      `json:"symbols"`
	Interval time.Duration `json:"interval"`
	Backfill int           `json:"backfill"`
	// BackfillOnly loads history and exits without streaming.
	BackfillOnly bool `json:"backfillOnly"`
}

// StoreConfig locates the quote store the engine reads from.
type StoreConfig struct {
	Dir string `json:"dir"`
}

// StrategyConfig locates the strategy and its evaluation knobs.
type StrategyConfig struct {
	Name         string             `json:"name"`
	FormulaPath  string             `json:"formulaPath"`
	RunnerPath   string             `json:"runnerPath"`
	IncludeDir   string             `json:"includeDir"`
	TemplatePath string             `json:"templatePath"`
	ArtifactDir  string             `json:"artifactDir"`
	Symbol       string             `json:"symbol"`
	Lookback     int                `json:"lookback"`
	Params       map[string]float64 `json:"params"`
	ScanTimeout  time.Duration      `json:"scanTimeout"`
	ScanCooldown time.Duration      `json:"scanCooldown"`
}

// AlertConfig wires notification channels; empty entries disable them.
type AlertConfig struct {
	Desktop    CommandConfig `json:"desktop"`
	Sound      CommandConfig `json:"sound"`
	WebhookURL string        `json:"webhookUrl"`
}

type CommandConfig struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

// TradeConfig parameterizes order submission. Orders always route to
// the built-in paper broker; FillDelay tunes its simulated latency.
type TradeConfig struct {
	Enabled      bool          `json:"enabled"`
	Size         int64         `json:"size"`
	OrderTimeout time.Duration `json:"orderTimeout"`
	FillDelay    time.Duration `json:"fillDelay"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
}

type ProfileConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// Loaded is the resolved configuration: the file contents plus the
// strategy formula and project template read off disk.
type Loaded struct {
	FileConfig

	Formula  string
	Template string
	Include  scan.IncludeResolver
}

// LoadEnv loads a .env file when present. Missing files are fine;
// production supplies real environment variables instead.
func LoadEnv() {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			logs.Warnf("load .env, err: %+v", err)
		}
		return
	}
	logs.Debug("loaded .env")
}

// Load reads and validates the JSON config, then resolves the strategy
// files it references.
func Load(path string) (Loaded, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read config")
	}
	var cfg FileConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Loaded{}, errors.Wrap(err, "unmarshal config")
	}
	applyDefaults(&cfg)
	if err := validate(cfg); err != nil {
		return Loaded{}, err
	}

	formula, err := os.ReadFile(cfg.Strategy.FormulaPath)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read strategy formula")
	}
	template, err := os.ReadFile(cfg.Strategy.TemplatePath)
	if err != nil {
		return Loaded{}, errors.Wrap(err, "read project template")
	}

	return Loaded{
		FileConfig: cfg,
		Formula:    string(formula),
		Template:   string(template),
		Include:    includeResolver(cfg.Strategy.IncludeDir),
	}, nil
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Store.Dir == "" {
		cfg.Store.Dir = "data/quotes"
	}
	if cfg.Strategy.ArtifactDir == "" {
		cfg.Strategy.ArtifactDir = "data/projects"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8632"
	}
}

func validate(cfg FileConfig) error {
	switch cfg.Feed.Mode {
	case "ws":
		if cfg.Feed.WsURL == "" {
			return errors.New("feed.wsUrl is required in ws mode")
		}
	case "poll":
	default:
		return errors.Errorf("feed.mode must be ws or poll, got %q", cfg.Feed.Mode)
	}
	if cfg.Feed.ApiURL == "" {
		return errors.New("feed.apiUrl is empty")
	}
	if len(cfg.Feed.Symbols) == 0 {
		return errors.New("feed.symbols is empty")
	}
	if cfg.Strategy.FormulaPath == "" {
		return errors.New("strategy.formulaPath is empty")
	}
	if cfg.Strategy.TemplatePath == "" {
		return errors.New("strategy.templatePath is empty")
	}
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is empty")
	}
	if cfg.Strategy.RunnerPath == "" {
		return errors.New("strategy.runnerPath is empty")
	}
	if cfg.Trade.Enabled && cfg.Trade.Size <= 0 {
		return errors.New("trade.size must be > 0 when trading is enabled")
	}
	return nil
}

// includeResolver reads #include_once targets from dir, falling back to
// the path as written when dir is empty.
func includeResolver(dir string) scan.IncludeResolver {
	return func(name string) (string, error) {
		path := name
		if dir != "" && !filepath.IsAbs(name) {
			path = filepath.Join(dir, name)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", errors.Wrap(err, "read include").With("path", path)
		}
		return string(data), nil
	}
}
