package protocol

import (
	_ "embed"
)

// defaultCatalog 是随程序发布的消息目录
//
//go:embed catalog/opcodes.yml
var defaultCatalog []byte
