package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	SpoolDir           = "/var/lib/ts-license/audit_spool"
	MaxSpoolSize int64 = 256 * 1024 * 1024
)

func ConfigureFailover(dir string, maxMB int64) {
	if dir != "" {
		SpoolDir = dir
	}
	if maxMB > 0 {
		MaxSpoolSize = maxMB * 1024 * 1024
	}
	_ = os.MkdirAll(SpoolDir, 0750)
}

// SpoolRecord appends the record to the local JSONL spool.
func SpoolRecord(rec Record) error {
	if isSpoolFull() {
		return fmt.Errorf("audit spool full (%d bytes cap)", MaxSpoolSize)
	}

	payload := FailoverRecord{
		EventID:   rec.EventID.String(),
		Payload:   rec,
		Timestamp: time.Now().UTC(),
	}
	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	filename := filepath.Join(SpoolDir, "audit_spool.log")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

func isSpoolFull() bool {
	var size int64
	_ = filepath.Walk(SpoolDir, func(_ string, info fs.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size >= MaxSpoolSize
}

// StartReplayer flushes spooled records back to the DB periodically.
func (s *Service) StartReplayer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.ReplaySpool(ctx)
			}
		}
	}()
}

var replayLock sync.Mutex

// ReplaySpool drains the spool file into the DB. Records that still cannot
// be written re-spool through WriteRecord, so nothing is lost while the DB
// stays down; the event_id conflict guard keeps replays idempotent.
func (s *Service) ReplaySpool(ctx context.Context) {
	replayLock.Lock()
	defer replayLock.Unlock()

	filename := filepath.Join(SpoolDir, "audit_spool.log")
	info, err := os.Stat(filename)
	if os.IsNotExist(err) || (err == nil && info.Size() == 0) {
		return
	}

	replayFile := filepath.Join(SpoolDir, fmt.Sprintf("replay_%d.log", time.Now().UnixNano()))
	if err := os.Rename(filename, replayFile); err != nil {
		log.Printf("audit: spool rotate failed: %v", err)
		return
	}

	f, err := os.Open(replayFile)
	if err != nil {
		return
	}

	scanner := bufio.NewScanner(f)
	var succeeded int
	for scanner.Scan() {
		var fr FailoverRecord
		if err := json.Unmarshal(scanner.Bytes(), &fr); err != nil {
			continue
		}
		if err := s.WriteRecord(ctx, fr.Payload); err == nil {
			succeeded++
		}
	}
	f.Close()
	os.Remove(replayFile)

	if succeeded > 0 {
		log.Printf("audit: replayed %d spooled records", succeeded)
	}
}
