// xlockctl 是 xdsync 分布式锁的命令行工具，用于运维排查与脚本互斥。
//
// 用法:
//
//	xlockctl [全局选项] <命令> [命令参数]
//
// 全局选项:
//
//	-c, --config     配置文件路径（YAML/JSON），缺省使用进程内后端
//	-b, --backend    覆盖配置中的后端类型
//	--log-level      日志级别 (debug/info/warn/error)
//	--log-file       日志写入按大小轮转的文件
//
// 命令:
//
//	try <name>                 尝试获取互斥锁，成功后立即释放
//	hold <name>                获取互斥锁并持有，直到信号、--for 到期或丢锁
//	semaphore <name> <max>     获取信号量票据并持有，语义同 hold
//	version                    显示版本信息
//
// 退出码:
//
//	0: 成功获取（hold 为正常结束）
//	1: 后端或配置错误
//	2: 参数错误
//	3: 锁被占用（超时内未获取到）
//	4: 持有期间丢锁
//
// 示例:
//
//	xlockctl try nightly-report
//	xlockctl -c redis.yaml hold --wait 30s --for 10m nightly-report
//	xlockctl -c pg.yaml semaphore --wait=-1s exporters 3
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"
)

// 版本信息，通过 -ldflags "-X main.Version=..." 注入
var (
	Version   = "0.1.0-dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// 退出码
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitNotHeld  = 3
	exitLockLost = 4
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func createApp(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "xlockctl",
		Usage:     "xdsync 分布式锁命令行工具",
		Version:   versionString(),
		Writer:    stdout,
		Flags:     globalFlags(),
		Commands:  createCommands(),
		Authors:   []any{"XDSync Team"},
		ErrWriter: os.Stderr,
		// 设计决策: 禁止 urfave/cli 直接调用 os.Exit，由 run() 统一映射退出码。
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
		Description: `xlockctl 通过配置文件选择后端（memory/postgres/mysql/redis/mongodb/etcd/kubernetes），
在命令行获取、持有与释放分布式锁。hold 与 semaphore 在持有期间监听
SIGINT/SIGTERM，收到信号或到期后释放并退出；锁丢失时立即以退出码 4 结束。`,
	}
}

func versionString() string {
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	app := createApp(stdout)
	app.ErrWriter = stderr

	err := app.Run(ctx, args)
	if err == nil {
		return exitOK
	}
	var coded *codedError
	if errors.As(err, &coded) {
		if coded.err != nil {
			fmt.Fprintf(stderr, "错误: %v\n", coded.err)
		}
		return coded.code
	}
	var usage *usageError
	if errors.As(err, &usage) {
		fmt.Fprintf(stderr, "参数错误: %v\n", usage)
		return exitUsage
	}
	if isCLIUsageError(err) {
		fmt.Fprintf(stderr, "参数错误: %v\n", err)
		return exitUsage
	}
	fmt.Fprintf(stderr, "错误: %v\n", err)
	return exitError
}
