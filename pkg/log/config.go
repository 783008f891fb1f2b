package log

import (
	"bufio"
	"bytes"
	"fmt"
	stdlog "log"
	"log/slog"
	"os"
	"strings"
)

// Config declares how a process-wide logger is built.
type Config struct {
	Level  string   `json:"level"`
	Format string   `json:"format"` // text|json
	Output string   `json:"output"` // stderr|stdout|null
	Redact []string `json:"redact,omitempty"`
	// Sampling keeps the first SampleInitial records per message and then
	// every SampleThereafter-th. Disabled when SampleThereafter is 0.
	SampleInitial    int `json:"sampleInitial,omitempty"`
	SampleThereafter int `json:"sampleThereafter,omitempty"`
}

// ApplyConfig builds a Logger from cfg.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}
	var out Output
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = NewConsoleOutput()
	case "stdout":
		out = NewWriterOutput(os.Stdout)
	case "null":
		out = NullOutput{}
	default:
		return nil, fmt.Errorf("log: unknown output %q", cfg.Output)
	}

	l := newBaseLogger(WithLevel(lvl), WithFormatter(formatter), WithOutput(out))
	h := newBridgeHandler(l).withRedactions(cfg.Redact).withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slogLogger = slog.New(h)
	return l, nil
}

// RedirectStdLog routes the standard library logger (used by Pebble) into l
// at info level.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetOutput(&stdWriter{l: l.WithComponent("stdlog")})
}

// ToStdLogger returns a *log.Logger writing into l.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(&stdWriter{l: l}, "", 0)
}

type stdWriter struct{ l Logger }

func (w *stdWriter) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(bytes.NewReader(p))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			w.l.Info(line)
		}
	}
	return len(p), nil
}
