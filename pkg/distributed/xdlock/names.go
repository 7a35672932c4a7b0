package xdlock

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// DefaultMaxNameLength 门面层对锁名称的默认长度上限（字节）。
// 后端若有更严格的限制，应使用 SafeName 转换。
const DefaultMaxNameLength = 512

// ValidateName 校验锁名称：非空（不能全为空白）且不超过 maxLen 字节。
// maxLen <= 0 时使用 DefaultMaxNameLength。
func ValidateName(name string, maxLen int) error {
	if strings.TrimSpace(name) == "" {
		return ErrEmptyName
	}
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLength
	}
	if len(name) > maxLen {
		return fmt.Errorf("%w: %d > %d bytes", ErrNameTooLong, len(name), maxLen)
	}
	return nil
}

// SafeName 把任意名称转换为后端可接受的名称：
//   - 名称合法（长度不超过 maxLen 且 valid 对每个字节返回 true）时原样返回
//   - 否则把非法字节替换为 '_'，截断并追加 16 位十六进制 xxhash 后缀
//
// 同一输入总是得到同一输出；不同输入仅在哈希碰撞时才会映射为同一名称。
// valid 为 nil 表示所有字节合法。
func SafeName(name string, maxLen int, valid func(b byte) bool) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxNameLength
	}

	clean := true
	for i := 0; i < len(name) && clean; i++ {
		clean = valid == nil || valid(name[i])
	}
	if clean && name != "" && len(name) <= maxLen {
		return name
	}

	suffix := strconv.FormatUint(xxhash.Sum64String(name), 16)
	suffix = strings.Repeat("0", 16-len(suffix)) + suffix
	keep := max(maxLen-len(suffix), 0)

	var b strings.Builder
	b.Grow(maxLen)
	for i := 0; i < len(name) && b.Len() < keep; i++ {
		c := name[i]
		if valid != nil && !valid(c) {
			c = '_'
		}
		b.WriteByte(c)
	}
	b.WriteString(suffix)
	out := b.String()
	if len(out) > maxLen {
		out = out[len(out)-maxLen:]
	}
	return out
}
