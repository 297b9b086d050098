package config

import (
	"fmt"
	"os"
)

// Exitf 把错误写到 stderr 并以状态码 1 退出
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
