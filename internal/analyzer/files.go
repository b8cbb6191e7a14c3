package analyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-lis/internal/protocol"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// runFiles serves a file-drop analyzer: result files appear in InboxDir and
// worklists are written to OutboxDir. Processed files are moved aside.
func (s *Session) runFiles(ctx context.Context) error {
	interval := s.analyzer.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	for _, dir := range []string{
		s.analyzer.OutboxDir,
		filepath.Join(s.analyzer.InboxDir, processedDir),
		filepath.Join(s.analyzer.InboxDir, failedDir),
	} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			s.registry.setOnline(s.analyzer.ID, false, err)
			return fmt.Errorf("analyzer %s: %w", s.analyzer.ID, err)
		}
	}

	down := s.connected()
	defer s.disconnected(down, nil)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.scanInbox(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.scanInbox(ctx)
		case d := <-s.outbound:
			d.finish(s.writeOutbox(d.payload))
		}
	}
}

func (s *Session) scanInbox(ctx context.Context) {
	entries, err := os.ReadDir(s.analyzer.InboxDir)
	if err != nil {
		s.logger.Warn("reading inbox failed", zap.Error(err))
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	for _, e := range entries {
		if ctx.Err() != nil {
			return
		}
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") || strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		s.processFile(ctx, e.Name())
	}
}

func (s *Session) processFile(ctx context.Context, name string) {
	path := filepath.Join(s.analyzer.InboxDir, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("reading result file failed", zap.String("file", name), zap.Error(err))
		return
	}
	s.registry.touch(s.analyzer.ID, s.now())

	replies, err := s.handle(ctx, raw, false)
	dest := processedDir
	if err != nil {
		dest = failedDir
	}
	for _, reply := range replies {
		if err := s.writeOutbox(reply.payload); err != nil {
			s.logger.Error("writing query answer failed", zap.Error(err))
		}
	}
	if err := os.Rename(path, filepath.Join(s.analyzer.InboxDir, dest, name)); err != nil {
		s.logger.Error("moving result file failed", zap.String("file", name), zap.Error(err))
	}
}

// writeOutbox writes through a temporary file so the instrument never
// picks up a partial worklist.
func (s *Session) writeOutbox(payload []byte) error {
	name := fmt.Sprintf("%s-%s.%s", s.analyzer.ID, s.now().UTC().Format("20060102150405.000000000"), fileExt(s.analyzer.Protocol))
	final := filepath.Join(s.analyzer.OutboxDir, name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return fmt.Errorf("write worklist: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish worklist: %w", err)
	}
	s.logger.Info("worklist file written", zap.String("file", name))
	return nil
}

func fileExt(p protocol.Name) string {
	switch p {
	case protocol.HL7:
		return "hl7"
	case protocol.ASTM:
		return "astm"
	}
	return "txt"
}
