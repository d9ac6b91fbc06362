package logx

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"rcbot/internal/transport"
)

type Config struct {
	Level    string
	Console  bool
	File     FileConfig
	Telegram TelegramConfig
}

type FileConfig struct {
	Enabled bool
	Path    string
}

type TelegramConfig struct {
	Enabled    bool
	MinLevel   string
	RatePerSec int
}

const defaultLogPath = "./rcbot.log"

// Service owns the live root logger. Loggers it hands out observe Apply.
type Service struct {
	root atomic.Pointer[zerolog.Logger]

	mu   sync.Mutex
	file *os.File
	tg   *telegramSink // nil without a sender
}

var _ source = (*Service)(nil)

// New builds the service and applies cfg. A nil sender disables the Telegram
// sink whatever cfg says.
func New(cfg Config, sender transport.Sender) (*Service, Logger) {
	s := &Service{}
	if sender != nil {
		s.tg = newTelegramSink(sender)
	}
	s.Apply(cfg)
	return s, s.Logger()
}

func (s *Service) Logger() Logger { return Logger{src: s} }

func (s *Service) current() zerolog.Logger {
	if zl := s.root.Load(); zl != nil {
		return *zl
	}
	return zerolog.Nop()
}

// SetTelegramTarget picks the operator chat. ChatID 0 mutes the sink.
func (s *Service) SetTelegramTarget(to transport.ChatTarget) {
	if s.tg != nil {
		s.tg.setTarget(to)
	}
}

// Apply rebuilds the sink set and swaps the root. Safe for concurrent use.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	prevFile := s.file
	s.file = nil
	if cfg.File.Enabled {
		if f, err := openLogFile(cfg.File.Path); err != nil {
			fmt.Fprintln(os.Stderr, "logx:", err)
		} else {
			s.file = f
			sinks = append(sinks, zerolog.SyncWriter(f))
		}
	}

	if s.tg != nil {
		s.tg.configure(cfg.Telegram)
		if cfg.Telegram.Enabled {
			sinks = append(sinks, s.tg)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, consoleWriter(os.Stdout))
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(sinks...)).
		Level(parseLevel(cfg.Level, LevelInfo)).
		With().Timestamp().Logger()
	s.root.Store(&zl)

	if prevFile != nil {
		_ = prevFile.Close()
	}
}

// Close stops the Telegram worker and closes the log file. Loggers keep
// working against whatever sinks remain.
func (s *Service) Close() error {
	if s.tg != nil {
		s.tg.close()
	}
	s.mu.Lock()
	f := s.file
	s.file = nil
	s.mu.Unlock()
	if f != nil {
		return f.Close()
	}
	return nil
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = defaultLogPath
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %q: %w", path, err)
	}
	return f, nil
}
