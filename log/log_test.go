package log

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

func TestSetLevel(t *testing.T) {
	defer SetLevel(InfoLevel)
	SetLevel(ErrorLevel)
	if infoLog.Writer() == os.Stdout || warnLog.Writer() == os.Stdout || errorLog.Writer() != os.Stdout { // 判断日志记录器是否正确设置
		t.Fatal("failed to set log level")
	}
	SetLevel(Disabled)
	if infoLog.Writer() == os.Stdout || errorLog.Writer() == os.Stdout {
		t.Fatal("failed to set log level")
	}
	SetLevel(DebugLevel)
	if debugLog.Writer() != os.Stdout {
		t.Fatal("debug logger should write when level is debug")
	}
}

func TestSetOutput(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(WarnLevel)
	defer func() {
		SetOutput(os.Stdout)
		SetLevel(InfoLevel)
	}()

	Info("hidden")
	Warn("minor version differs")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatalf("info message should be discarded, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "minor version differs") {
		t.Fatalf("warn message missing, got %q", buf.String())
	}
	if infoLog.Writer() != io.Discard {
		t.Fatal("info logger should be discarded")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]int{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
		"off":     Disabled,
		"":        InfoLevel,
	}
	for name, want := range cases {
		if got := ParseLevel(name); got != want {
			t.Fatalf("ParseLevel(%q) = %d, want %d", name, got, want)
		}
	}
}
