package config

import "time"

// DefaultConfig 返回补全层的默认配置。
// YAML 与环境变量在此基础上覆盖。
func DefaultConfig() *Config {
	return &Config{
		Default: "",
		Clients: map[string]ClientConfig{},
		Log: LogConfig{
			Level:       "info",
			Format:      "json",
			OutputPaths: []string{"stdout"},
		},
	}
}

// DefaultClientConfig 返回单个客户端的默认配置。
// 缺省的重试策略与 retry.DefaultPolicy 保持一致。
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:       60 * time.Second,
		MaxConcurrent: 5,
		Retry:         DefaultRetryConfig(),
	}
}

// DefaultRetryConfig 返回默认重试策略。
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  5,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Normalized 返回填充了默认值的客户端配置副本。
func (c ClientConfig) Normalized() ClientConfig {
	def := DefaultClientConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.Retry.MaxAttempts == 0 && c.Retry.InitialDelay == 0 {
		c.Retry = def.Retry
	}
	return c
}
