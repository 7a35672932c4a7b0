package xconf

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

// Format 配置格式
type Format string

// 支持的格式
const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Option 加载选项
type Option func(*options)

type options struct {
	delim string
	tag   string
}

// WithDelim 设置键路径分隔符，默认 "."
func WithDelim(delim string) Option {
	return func(o *options) { o.delim = delim }
}

// WithTag 设置 Unmarshal 使用的结构体标签，默认 "koanf"
func WithTag(tag string) Option {
	return func(o *options) { o.tag = tag }
}

// Loader 一份已解析的配置，只读，可并发使用
type Loader struct {
	k      *koanf.Koanf
	tag    string
	path   string
	format Format
}

// Load 读取文件，按扩展名（.yaml/.yml/.json）选择解析器。空文件得到空配置。
func Load(path string, opts ...Option) (*Loader, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadFailed, err)
	}
	l, err := LoadBytes(data, format, opts...)
	if err != nil {
		return nil, err
	}
	l.path = path
	return l, nil
}

// LoadBytes 从字节数据加载，需显式指定格式
func LoadBytes(data []byte, format Format, opts ...Option) (*Loader, error) {
	o := &options{delim: ".", tag: "koanf"}
	for _, opt := range opts {
		opt(o)
	}

	var parser koanf.Parser
	switch format {
	case FormatYAML:
		parser = yaml.Parser()
	case FormatJSON:
		parser = json.Parser()
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}

	k := koanf.New(o.delim)
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), parser); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
		}
	}
	return &Loader{k: k, tag: o.tag, format: format}, nil
}

// DetectFormat 按扩展名判断格式
func DetectFormat(path string) (Format, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unknown extension %q", ErrUnsupportedFormat, ext)
	}
}

// Unmarshal 把 path 下的配置（空字符串为整棵树）反序列化到 target。
// 配置中缺失的字段保留 target 原值。
func (l *Loader) Unmarshal(path string, target any) error {
	if err := l.k.UnmarshalWithConf(path, target, koanf.UnmarshalConf{Tag: l.tag}); err != nil {
		return fmt.Errorf("%w: %w", ErrUnmarshalFailed, err)
	}
	return nil
}

// Exists 键路径是否存在
func (l *Loader) Exists(path string) bool { return l.k.Exists(path) }

// Koanf 底层 koanf 实例
func (l *Loader) Koanf() *koanf.Koanf { return l.k }

// Path 文件路径，LoadBytes 创建的为空
func (l *Loader) Path() string { return l.path }

// Format 配置格式
func (l *Loader) Format() Format { return l.format }
