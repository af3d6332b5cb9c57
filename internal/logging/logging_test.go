package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLogWriterSelectsConsole(t *testing.T) {
	var buf bytes.Buffer
	if _, ok := logWriter(Config{Format: "console"}, &buf).(zerolog.ConsoleWriter); !ok {
		t.Fatalf("format=console 应返回 ConsoleWriter")
	}
	if _, ok := logWriter(Config{PrettyPrint: true}, &buf).(zerolog.ConsoleWriter); !ok {
		t.Fatalf("pretty=true 应返回 ConsoleWriter")
	}
	if w := logWriter(Config{Format: "json"}, &buf); w != &buf {
		t.Fatalf("json 格式应直接写入原始 writer")
	}
}

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger(Config{Level: "WARN"}, "statsworker")
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("期望 warn, 实际 %s", logger.GetLevel())
	}

	fallback := NewLogger(Config{Level: "not-a-level"}, "")
	if fallback.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("无效级别应回落到 info, 实际 %s", fallback.GetLevel())
	}
}

func TestJSONOutputCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(logWriter(Config{}, &buf)).With().Str("service", "statsworker").Logger()
	logger.Info().Msg("hello")
	if !strings.Contains(buf.String(), `"service":"statsworker"`) {
		t.Fatalf("日志缺少 service 字段: %s", buf.String())
	}
}
