package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 初始化並執行 CLI 命令
// 3. 處理頂層錯誤與 panic recovery
//
// 所有邏輯在 internal/cli；版本資訊於編譯時注入：
//   go build -ldflags "-X main.version=1.0.0 -X main.commit=$(git rev-parse HEAD)" ./cmd/scheduler
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/assignment-scheduler/internal/cli"
)

var (
	version = "dev" // 由 CI 注入
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "嚴重錯誤: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
