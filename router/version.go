package router

import (
	"errors"
	"fmt"

	"github.com/nukecoke1828/ponyca/log"
	"github.com/nukecoke1828/ponyca/protocol"
)

// ErrIncompatibleMajor 主版本号不一致，连接必须关闭
var ErrIncompatibleMajor = errors.New("router: incompatible protocol major version")

// CheckVersion 比较本地与对端的协议版本。
// 主版本不同返回 ErrIncompatibleMajor；只有次版本不同时记录警告并返回 nil。
func CheckVersion(local, remote protocol.Version) error {
	if local.Major != remote.Major {
		return fmt.Errorf("%w: local %d.%d, remote %d.%d", ErrIncompatibleMajor,
			local.Major, local.Minor, remote.Major, remote.Minor)
	}
	if local.Minor != remote.Minor {
		log.Warnf("router: protocol minor version differs: local %d.%d, remote %d.%d",
			local.Major, local.Minor, remote.Major, remote.Minor)
	}
	return nil
}
