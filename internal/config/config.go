package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"redPacketSync/internal/chain"
)

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	RPCURL       string
	Contract     string
	ChainID      uint64
	ChainIDHex   string
	ChainName    string
	PrivateKey   string
	PollInterval time.Duration
	HistoryLimit int
	FromBlock    uint64
	BatchSize    uint64
	MaxRetries   int
	RetryBackoff time.Duration
	// ChainRPCs overrides the rpc url offered for a chain id when the
	// wallet is asked to register it. Keys are lower-case hex chain ids.
	ChainRPCs   map[string]string
	Out         string
	PostgresDSN string
	MetricsAddr string
	LogLevel    string
}

// Load merges .env files, config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	v := viper.New()
	v.SetEnvPrefix("REDPACKET")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("rpc", "http://127.0.0.1:7545")
	v.SetDefault("chain-id", uint64(1337))
	v.SetDefault("chain-name", "Ganache 1337")
	v.SetDefault("poll-interval", 15*time.Second)
	v.SetDefault("history-limit", 15)
	v.SetDefault("from-block", uint64(0))
	v.SetDefault("batch-size", uint64(5000))
	v.SetDefault("max-retries", 3)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("log-level", "info")

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("redpacket")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := Config{
		RPCURL:       strings.TrimSpace(v.GetString("rpc")),
		Contract:     strings.TrimSpace(v.GetString("contract")),
		ChainID:      v.GetUint64("chain-id"),
		ChainIDHex:   strings.ToLower(strings.TrimSpace(v.GetString("chain-hex"))),
		ChainName:    v.GetString("chain-name"),
		PrivateKey:   strings.TrimSpace(v.GetString("private-key")),
		PollInterval: v.GetDuration("poll-interval"),
		HistoryLimit: v.GetInt("history-limit"),
		FromBlock:    v.GetUint64("from-block"),
		BatchSize:    v.GetUint64("batch-size"),
		MaxRetries:   v.GetInt("max-retries"),
		RetryBackoff: v.GetDuration("retry-backoff"),
		Out:          v.GetString("out"),
		PostgresDSN:  v.GetString("pg-dsn"),
		MetricsAddr:  v.GetString("metrics-addr"),
		LogLevel:     v.GetString("log-level"),
	}

	chainRPCs, err := parseChainRPCs(getStringSlice(v, "chain-rpc"))
	if err != nil {
		return Config{}, err
	}
	cfg.ChainRPCs = chainRPCs

	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() error {
	if c.ChainIDHex == "" {
		c.ChainIDHex = chain.ChainIDHex(c.ChainID)
	} else {
		id, err := chain.ParseChainHex(c.ChainIDHex)
		if err != nil {
			return fmt.Errorf("chain-hex: %w", err)
		}
		if id != c.ChainID {
			return fmt.Errorf("chain-hex %s does not match chain-id %d", c.ChainIDHex, c.ChainID)
		}
	}
	if c.PollInterval <= 0 {
		return errors.New("poll-interval must be positive")
	}
	if c.HistoryLimit <= 0 {
		return errors.New("history-limit must be positive")
	}
	if c.BatchSize == 0 {
		return errors.New("batch-size must be positive")
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return nil
}

// Retry returns the retry policy for rpc calls.
func (c Config) Retry() chain.RetryConfig {
	return chain.RetryConfig{MaxRetries: c.MaxRetries, Backoff: c.RetryBackoff}
}

// Chains returns the chain descriptors offered to the wallet, with rpc
// overrides applied and the configured target chain always present.
func (c Config) Chains() []chain.ChainDescriptor {
	chains := chain.DefaultChains(c.RPCURL)
	found := false
	for i := range chains {
		hex := strings.ToLower(chains[i].ChainIDHex)
		if url, ok := c.ChainRPCs[hex]; ok {
			chains[i].RPCURLs = []string{url}
		}
		if hex == c.ChainIDHex {
			found = true
		}
	}
	if !found {
		url := c.RPCURL
		if override, ok := c.ChainRPCs[c.ChainIDHex]; ok {
			url = override
		}
		chains = append(chains, chain.ChainDescriptor{
			ChainIDHex:     c.ChainIDHex,
			ChainName:      c.ChainName,
			NativeCurrency: chain.NativeCurrency{Name: "ETH", Symbol: "ETH", Decimals: 18},
			RPCURLs:        []string{url},
		})
	}
	return chains
}

func parseChainRPCs(entries []string) (map[string]string, error) {
	out := make(map[string]string, len(entries))
	for _, entry := range entries {
		id, url, ok := strings.Cut(entry, "=")
		id = strings.ToLower(strings.TrimSpace(id))
		url = strings.TrimSpace(url)
		if !ok || id == "" || url == "" {
			return nil, fmt.Errorf("chain-rpc entry %q: want <chain-hex>=<url>", entry)
		}
		if _, err := chain.ParseChainHex(id); err != nil {
			return nil, fmt.Errorf("chain-rpc entry %q: %w", entry, err)
		}
		out[id] = url
	}
	return out, nil
}

func getStringSlice(v *viper.Viper, key string) []string {
	if !v.IsSet(key) {
		return nil
	}

	val := v.Get(key)
	switch typed := val.(type) {
	case []string:
		return cleanStrings(typed)
	case string:
		return splitAndClean(typed)
	case []interface{}:
		items := make([]string, 0, len(typed))
		for _, item := range typed {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return cleanStrings(items)
	default:
		return nil
	}
}

func splitAndClean(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	return cleanStrings(parts)
}

func cleanStrings(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
