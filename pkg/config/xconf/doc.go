// Package xconf 基于 koanf 的最小配置加载器。
//
// 只负责把 YAML/JSON 文件或字节数据解析为 koanf 树并反序列化到结构体，
// 不做必填校验与环境变量覆盖，这些由调用方按需实现。
// 未出现在配置中的字段保持目标结构体原值，因此可以先填默认值再 Unmarshal：
//
//	cfg := defaultConfig()
//	l, err := xconf.Load("xlockctl.yaml")
//	if err != nil { ... }
//	err = l.Unmarshal("", &cfg)
package xconf
