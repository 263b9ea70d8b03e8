package snapshot

// ============================================================================
// 職責說明：
// 1. 將記憶體後端的完整狀態序列化為 JSON 快照檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 載入時驗證 schema 版本相容性
// 4. 可選擇保留最近 N 份備份
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// SchemaVersion is the snapshot layout version written by this package.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

// Manager 快照管理器
type Manager struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// NewManager 建立快照管理器實例
func NewManager(path string) *Manager {
	return &Manager{path: path, now: time.Now}
}

// Write 原子性寫入快照
//
// 1. 寫入臨時檔案（.tmp）並 fsync
// 2. 使用 os.Rename 原子性替換原始檔案
func (m *Manager) Write(data types.SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(data)
}

func (m *Manager) writeLocked(data types.SnapshotData) error {
	data.SchemaVer = SchemaVersion

	jsonBytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot dir: %w", err)
		}
	}

	tmpPath := m.path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open temp snapshot: %w", err)
	}
	if _, err := f.Write(jsonBytes); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, m.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load 載入快照
//
// 檔案不存在時回傳空的 SnapshotData（首次啟動）。
func (m *Manager) Load() (types.SnapshotData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var data types.SnapshotData
	jsonBytes, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SnapshotData{SchemaVer: SchemaVersion}, nil
		}
		return data, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return data, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	return data, nil
}

// Exists 檢查快照檔案是否存在
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath 取得快照檔案路徑
func (m *Manager) GetPath() string {
	return m.path
}

// WriteWithBackup 寫入快照並保留最近 keepBackups 份舊版本
func (m *Manager) WriteWithBackup(data types.SnapshotData, keepBackups int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.path); err == nil {
		backupPath := fmt.Sprintf("%s.%s", m.path, m.now().UTC().Format("20060102T150405.000000000"))
		if err := os.Rename(m.path, backupPath); err != nil {
			return fmt.Errorf("failed to backup old snapshot: %w", err)
		}
	}
	if err := m.writeLocked(data); err != nil {
		return err
	}
	return m.pruneBackups(keepBackups)
}

// Backups lists backup files, oldest first.
func (m *Manager) Backups() ([]string, error) {
	matches, err := filepath.Glob(m.path + ".*")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, p := range matches {
		if p == m.path+".tmp" {
			continue
		}
		out = append(out, p)
	}
	// 時間戳格式可直接字典序排序
	slices.Sort(out)
	return out, nil
}

func (m *Manager) pruneBackups(keep int) error {
	if keep < 0 {
		keep = 0
	}
	backups, err := m.Backups()
	if err != nil {
		return err
	}
	for len(backups) > keep {
		if err := os.Remove(backups[0]); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove old backup: %w", err)
		}
		backups = backups[1:]
	}
	return nil
}
