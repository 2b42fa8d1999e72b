package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/decred/slog"
	"github.com/gathogajanice/charmcards/server"
	"github.com/jrick/logrotate/rotator"
)

// Subsystem tags.
const (
	subsysServer    = "SRVR"
	subsysBroadcast = "BCST"
	subsysProver    = "PRVR"
	subsysWallet    = "WLLT"
	subsysWatcher   = "WTCH"
	subsysLedger    = "LDGR"
)

const (
	defaultMaxLogFiles    = 10
	defaultMaxBufferLines = 1000
	logRotateKB           = 10 * 1024
)

// LogConfig configures a LogBackend.
type LogConfig struct {
	LogFile     string
	DebugLevel  string
	MaxLogFiles int
	// MaxBufferLines is how many recent lines LastLogLines can return.
	MaxBufferLines int
	// UseStdout mirrors output to stdout. Nil means true.
	UseStdout *bool
}

// LogBackend hands out one logger per subsystem, all at the same level,
// writing to a rotating file and keeping the most recent lines in memory.
type LogBackend struct {
	backend *slog.Backend
	rot     *rotator.Rotator
	level   slog.Level
	stdout  io.Writer

	mtx     sync.Mutex
	loggers map[string]slog.Logger
	lines   []string
	next    int
	full    bool
	partial []byte
}

func NewLogBackend(cfg LogConfig) (*LogBackend, error) {
	level, err := server.GetDebugLevel(cfg.DebugLevel)
	if err != nil {
		return nil, err
	}
	if cfg.LogFile == "" {
		return nil, fmt.Errorf("log file is required")
	}
	if cfg.MaxLogFiles <= 0 {
		cfg.MaxLogFiles = defaultMaxLogFiles
	}
	if cfg.MaxBufferLines <= 0 {
		cfg.MaxBufferLines = defaultMaxBufferLines
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o700); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	rot, err := rotator.New(cfg.LogFile, logRotateKB, false, cfg.MaxLogFiles)
	if err != nil {
		return nil, fmt.Errorf("create log rotator: %w", err)
	}

	b := &LogBackend{
		rot:     rot,
		level:   level,
		loggers: make(map[string]slog.Logger),
		lines:   make([]string, cfg.MaxBufferLines),
	}
	if cfg.UseStdout == nil || *cfg.UseStdout {
		b.stdout = os.Stdout
	}
	b.backend = slog.NewBackend(b)
	return b, nil
}

// Write implements io.Writer for the slog backend.
func (b *LogBackend) Write(p []byte) (int, error) {
	if b.stdout != nil {
		b.stdout.Write(p)
	}
	b.mtx.Lock()
	b.buffer(p)
	b.mtx.Unlock()
	return b.rot.Write(p)
}

// buffer appends the complete lines of p to the ring. Must be called with
// the mutex held.
func (b *LogBackend) buffer(p []byte) {
	data := append(b.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		b.lines[b.next] = string(data[:i])
		b.next = (b.next + 1) % len(b.lines)
		if b.next == 0 {
			b.full = true
		}
		data = data[i+1:]
	}
	b.partial = append([]byte(nil), data...)
}

// LastLogLines returns up to n of the most recent log lines, oldest first.
func (b *LogBackend) LastLogLines(n int) []string {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	count := b.next
	if b.full {
		count = len(b.lines)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]string, 0, n)
	for i := n; i > 0; i-- {
		idx := (b.next - i + len(b.lines)) % len(b.lines)
		out = append(out, b.lines[idx])
	}
	return out
}

func (b *LogBackend) Logger(subsys string) slog.Logger {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	if l, ok := b.loggers[subsys]; ok {
		return l
	}
	l := b.backend.Logger(subsys)
	l.SetLevel(b.level)
	b.loggers[subsys] = l
	return l
}

func (b *LogBackend) Close() error {
	return b.rot.Close()
}
