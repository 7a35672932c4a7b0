package k8slock

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	invalidNameChars = regexp.MustCompile(`[^a-z0-9-]`)
	repeatedDashes   = regexp.MustCompile(`-+`)
)

// maxResourceName metadata.name 的 DNS-1123 label 长度上限
const maxResourceName = 63

// leaseName 生成 Lease 资源名。以最终名称（prefix + 清理后的 name）整体
// 满足 63 字符约束。
func leaseName(prefix, name string) string {
	return prefix + sanitizeName(name, len(prefix))
}

// sanitizeName 转换为小写字母、数字与 '-'，输出不超过 63-prefixLen。
//
// 清理改变了名称或超长时追加原始名称的哈希后缀，
// 避免 "my.job" 与 "my/job" 之类的名称碰撞为同一个 Lease。
func sanitizeName(name string, prefixLen int) string {
	lowered := strings.ToLower(name)
	sanitized := invalidNameChars.ReplaceAllString(lowered, "-")
	sanitized = repeatedDashes.ReplaceAllString(sanitized, "-")
	sanitized = strings.Trim(sanitized, "-")

	const hashLen = 8
	limit := max(maxResourceName-prefixLen, 1)
	if sanitized == name && sanitized != "" && len(sanitized) <= limit {
		return sanitized
	}

	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:hashLen]
	keep := max(limit-1-hashLen, 0)
	if len(sanitized) > keep {
		sanitized = strings.TrimRight(sanitized[:keep], "-")
	}
	if sanitized == "" {
		return suffix
	}
	return sanitized + "-" + suffix
}
