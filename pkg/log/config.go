package log

import (
	"fmt"
	"os"
	"strings"
)

// Config describes a logger declaratively.
type Config struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // text | json
	// Output is "stderr" (default), "stdout", "null", or a file path.
	Output           string   `json:"output" yaml:"output"`
	Redact           []string `json:"redact" yaml:"redact"`
	SampleInitial    int      `json:"sampleInitial" yaml:"sampleInitial"`
	SampleThereafter int      `json:"sampleThereafter" yaml:"sampleThereafter"`
}

// ApplyConfig builds a Logger from cfg. A nil cfg yields an info-level text logger on stderr.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	lvl, err := ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		return nil, err
	}
	opts := []LoggerOption{WithLevel(lvl)}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		opts = append(opts, WithFormatter(&TextFormatter{}))
	case "json":
		opts = append(opts, WithFormatter(&JSONFormatter{}))
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	switch cfg.Output {
	case "", "stderr":
		opts = append(opts, WithOutput(NewConsoleOutput()))
	case "stdout":
		opts = append(opts, WithOutput(NewWriterOutput(os.Stdout)))
	case "null":
		opts = append(opts, WithOutput(NullOutput{}))
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log output: %w", err)
		}
		opts = append(opts, WithOutput(NewWriterOutput(f)))
	}
	if len(cfg.Redact) > 0 {
		opts = append(opts, WithRedactions(cfg.Redact...))
	}
	if cfg.SampleThereafter > 0 {
		opts = append(opts, WithSampling(cfg.SampleInitial, cfg.SampleThereafter))
	}
	return NewLogger(opts...), nil
}
