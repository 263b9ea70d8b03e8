package journal

// ============================================================================
// Journal 工具函式
// 職責：讀取尾端事件、統計、人類可讀輸出、壓縮旋轉片段
// ============================================================================

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ChuLiYu/assignment-scheduler/internal/audit"
	"github.com/ChuLiYu/assignment-scheduler/pkg/types"
)

// GetLastEvent 讀取檔案中最後一個可解析的事件
//
// 從頭掃描到尾；檔案為空時回傳 (nil, nil)。尾端半寫入的行會被忽略。
func GetLastEvent(path string) (*types.AssignmentEvent, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var last *types.AssignmentEvent
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e types.AssignmentEvent
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		last = &e
	}
	if err := scanner.Err(); err != nil {
		return last, err
	}
	return last, nil
}

// Stats journal 統計資訊
type Stats struct {
	TotalEvents    int                     `json:"total_events"`
	EventTypes     map[types.EventType]int `json:"event_types"`
	FirstSeq       uint64                  `json:"first_seq"`
	LastSeq        uint64                  `json:"last_seq"`
	CorruptedCount int                     `json:"corrupted_count"`
}

// GetStats 掃描整個檔案，損壞或 checksum 錯誤的行計入 CorruptedCount
func GetStats(path string) (*Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	stats := &Stats{EventTypes: make(map[types.EventType]int)}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var e types.AssignmentEvent
		if err := json.Unmarshal(line, &e); err != nil || audit.Checksum(&e) != e.Checksum {
			stats.CorruptedCount++
			continue
		}
		stats.TotalEvents++
		stats.EventTypes[e.Type]++
		if stats.FirstSeq == 0 || e.Seq < stats.FirstSeq {
			stats.FirstSeq = e.Seq
		}
		if e.Seq > stats.LastSeq {
			stats.LastSeq = e.Seq
		}
	}
	return stats, scanner.Err()
}

// Dump 以人類可讀格式輸出
//
//	[seq:1] created a-001 by system:dispatcher at 2026-01-01T00:00:00Z (checksum:0x12345678)
func Dump(path string, w io.Writer) error {
	return ReplayFile(path, func(e *types.AssignmentEvent) error {
		subject := e.AssignmentID
		if subject == "" {
			subject = e.WorkItemID
		}
		if subject == "" {
			subject = e.StaffID
		}
		_, err := fmt.Fprintf(w, "[seq:%d] %s %s by %s at %s (checksum:0x%08x)\n",
			e.Seq, e.Type, subject, e.ActorUserID, e.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"), e.Checksum)
		return err
	})
}

// Compress 將 src 以 gzip 寫入 w
func Compress(src string, w io.Writer) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = srcFile.Close() }()

	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, srcFile); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}
