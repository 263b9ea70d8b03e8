package journal

// ============================================================================
// 稽核事件日誌（Journal）
// 職責：
// 1. 將已提交的稽核事件追加到 JSON-lines 檔案（append-only）
// 2. 批次寫入：緩衝區滿、超過 flush 間隔或強制 flush 時才寫入並 fsync
// 3. 重放時驗證每個事件的 checksum
// 4. 支援日誌旋轉，旋轉後的片段交給 archive 上傳
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

var log = slog.Default()

var (
	// ErrCorruptedJournal indicates a line that is not a valid event.
	ErrCorruptedJournal = errors.New("journal: file is corrupted")
	// ErrClosed indicates the journal was closed.
	ErrClosed = errors.New("journal: already closed")
)

// FileInterface 定義檔案操作所需的方法，允許在測試中模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 設定批次行為
type Options struct {
	BufferSize    int           // 累積多少事件後立即 flush
	FlushInterval time.Duration // 背景 flush 的最長間隔；0 表示不啟動背景 goroutine
	SyncOnWrite   bool          // 每次 Write 都 flush + fsync
}

// DefaultOptions 預設值
func DefaultOptions() Options {
	return Options{BufferSize: 256, FlushInterval: time.Second}
}

// Journal 稽核事件日誌
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	opts    Options
	closed  bool

	buffer  []*types.AssignmentEvent
	lastSeq uint64
	now     func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open 建立或開啟 journal
//
// 檔案已存在時讀取最後一個事件以取得 lastSeq，並以 O_APPEND 模式續寫。
func Open(path string, opts Options) (*Journal, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}

	var lastSeq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		last, err := GetLastEvent(path)
		if err != nil {
			log.Warn("Journal tail unreadable, starting seq tracking from zero", "path", path, "error", err)
		} else if last != nil {
			lastSeq = last.Seq
		}
	}

	j := &Journal{
		file:    file,
		encoder: json.NewEncoder(file),
		path:    path,
		opts:    opts,
		buffer:  make([]*types.AssignmentEvent, 0, opts.BufferSize),
		lastSeq: lastSeq,
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}
	if opts.FlushInterval > 0 {
		j.wg.Add(1)
		go j.flushLoop()
	}
	return j, nil
}

// Write 追加事件（實作 audit.Sink）
func (j *Journal) Write(events ...*types.AssignmentEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	for _, e := range events {
		j.buffer = append(j.buffer, e.Clone())
		if e.Seq > j.lastSeq {
			j.lastSeq = e.Seq
		}
	}
	if j.opts.SyncOnWrite || len(j.buffer) >= j.opts.BufferSize {
		return j.flushLocked()
	}
	return nil
}

// Flush 立即寫入所有緩衝的事件並 fsync
func (j *Journal) Flush() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.flushLocked()
}

// Replay 重放 journal 中所有事件
//
// 每個事件先驗證 checksum，失敗立即停止。
func (j *Journal) Replay(handler func(*types.AssignmentEvent) error) error {
	j.mu.Lock()
	if !j.closed {
		if err := j.flushLocked(); err != nil {
			j.mu.Unlock()
			return err
		}
	}
	path := j.path
	j.mu.Unlock()
	return ReplayFile(path, handler)
}

// ReplayFile 重放指定檔案（旋轉後的片段也可使用）
func ReplayFile(path string, handler func(*types.AssignmentEvent) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	decoder := json.NewDecoder(file)
	for decoder.More() {
		var e types.AssignmentEvent
		if err := decoder.Decode(&e); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
		}
		if want := audit.Checksum(&e); want != e.Checksum {
			return &audit.ChecksumError{Seq: e.Seq, Expected: want, Actual: e.Checksum}
		}
		if err := handler(&e); err != nil {
			return err
		}
	}
	return nil
}

// Rotate 旋轉日誌檔案，回傳旋轉後的片段路徑
func (j *Journal) Rotate() (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return "", ErrClosed
	}

	if err := j.flushLocked(); err != nil {
		return "", err
	}
	if err := j.file.Close(); err != nil {
		return "", err
	}

	segment := j.path + "." + j.now().UTC().Format("20060102T150405.000000000")
	if err := os.Rename(j.path, segment); err != nil {
		return "", err
	}
	newFile, err := os.OpenFile(j.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return "", err
	}
	j.file = newFile
	j.encoder = json.NewEncoder(newFile)
	log.Info("Journal rotated", "segment", segment, "lastSeq", j.lastSeq)
	return segment, nil
}

// LastSeq 目前寫入的最大事件序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

// Path 目前的 journal 檔案路徑
func (j *Journal) Path() string { return j.path }

// Close 停止背景 flush 並關閉檔案；關閉後不可再使用
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.stopCh)
	j.mu.Unlock()

	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.flushLocked(); err != nil {
		_ = j.file.Close()
		return err
	}
	return j.file.Close()
}

// flushLocked 假設調用者已持有 j.mu
func (j *Journal) flushLocked() error {
	if len(j.buffer) == 0 {
		return nil
	}
	for _, e := range j.buffer {
		if err := j.encoder.Encode(e); err != nil {
			return fmt.Errorf("journal: encode seq=%d: %w", e.Seq, err)
		}
	}
	j.buffer = j.buffer[:0]
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}
	return nil
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				if err := j.flushLocked(); err != nil {
					log.Error("Journal flush failed", "path", j.path, "error", err)
				}
			}
			j.mu.Unlock()
		case <-j.stopCh:
			return
		}
	}
}
