// Package log 为 ponyca 的各个组件提供分级日志输出。
package log

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

const (
	DebugLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	Disabled
)

var ( // 使用os.Stdout作为输出，每个级别一个带颜色前缀的记录器
	errorLog = log.New(os.Stdout, "\033[31m[ERROR]\033[0m ", log.LstdFlags|log.Lshortfile) // 红色
	warnLog  = log.New(os.Stdout, "\033[33m[WARN]\033[0m ", log.LstdFlags|log.Lshortfile)  // 黄色
	infoLog  = log.New(os.Stdout, "\033[34m[INFO]\033[0m ", log.LstdFlags|log.Lshortfile)  // 蓝色
	debugLog = log.New(os.Stdout, "\033[90m[DEBUG]\033[0m ", log.LstdFlags|log.Lshortfile) // 灰色
	loggers  = []*log.Logger{errorLog, warnLog, infoLog, debugLog}
	mu       sync.Mutex
	output   io.Writer = os.Stdout
)

var (
	Error  = errorLog.Println
	Errorf = errorLog.Printf
	Warn   = warnLog.Println
	Warnf  = warnLog.Printf
	Info   = infoLog.Println
	Infof  = infoLog.Printf
	Debug  = debugLog.Println
	Debugf = debugLog.Printf
)

// 默认不输出调试日志
func init() {
	SetLevel(InfoLevel)
}

// SetLevel 设置日志级别，低于该级别的记录器输出被丢弃
func SetLevel(level int) {
	mu.Lock() // 确保线程安全
	defer mu.Unlock()
	for _, logger := range loggers { // 重置所有日志输出
		logger.SetOutput(output)
	}
	if ErrorLevel < level {
		errorLog.SetOutput(io.Discard)
	}
	if WarnLevel < level {
		warnLog.SetOutput(io.Discard)
	}
	if InfoLevel < level {
		infoLog.SetOutput(io.Discard)
	}
	if DebugLevel < level {
		debugLog.SetOutput(io.Discard)
	}
}

// SetOutput 替换所有记录器的输出目标，主要用于测试
// 调用后需要重新 SetLevel 才会生效
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
}

// ParseLevel 把配置中的级别名称转换为级别常量，无法识别时返回 InfoLevel
func ParseLevel(name string) int {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel
	case "warn", "warning":
		return WarnLevel
	case "error":
		return ErrorLevel
	case "disabled", "off", "none":
		return Disabled
	default:
		return InfoLevel
	}
}
