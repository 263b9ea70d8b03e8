package worker

import (
	"context"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/dispatcher"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// Runner 執行單位的一次 dispatch pass（*dispatcher.Dispatcher 實作此介面）
type Runner interface {
	Run(ctx context.Context, unitID string) (dispatcher.Result, error)
}

// Result 代表一次 pass 的執行結果
type Result struct {
	Trigger  types.Trigger     // 觸發此 pass 的事件
	Pass     dispatcher.Result // dispatch 結果
	Error    error             // 錯誤訊息（如果有）
	Duration time.Duration     // 實際執行時間
}

// Config Pool 設定
type Config struct {
	Workers        int           `yaml:"workers"`
	BufferSize     int           `yaml:"buffer_size"`
	PassTimeout    time.Duration `yaml:"pass_timeout"`
	MaxRetriggers  int           `yaml:"max_retriggers"`
	RetriggerRate  float64       `yaml:"retrigger_rate"`  // 每個單位每秒最多幾次重新觸發
	RetriggerBurst int           `yaml:"retrigger_burst"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultConfig 預設值
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		BufferSize:     256,
		PassTimeout:    10 * time.Second,
		MaxRetriggers:  5,
		RetriggerRate:  5,
		RetriggerBurst: 1,
		BaseBackoff:    100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.BufferSize <= 0 {
		c.BufferSize = def.BufferSize
	}
	if c.PassTimeout <= 0 {
		c.PassTimeout = def.PassTimeout
	}
	if c.MaxRetriggers < 0 {
		c.MaxRetriggers = 0
	}
	if c.RetriggerRate <= 0 {
		c.RetriggerRate = def.RetriggerRate
	}
	if c.RetriggerBurst <= 0 {
		c.RetriggerBurst = def.RetriggerBurst
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	return c
}

// Stats Pool 計數
type Stats struct {
	Submitted  int64 `json:"submitted"`
	Coalesced  int64 `json:"coalesced"`
	Passes     int64 `json:"passes"`
	Failed     int64 `json:"failed"`
	Retriggers int64 `json:"retriggers"`
	Exhausted  int64 `json:"exhausted"` // 達到 max_retriggers 仍有剩餘
}
