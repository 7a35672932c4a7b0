package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/lifecycle/xrun"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

// releaseTimeout 退出前释放锁的最长等待
const releaseTimeout = 10 * time.Second

// errLockLost 持有期间后端报告丢锁
var errLockLost = errors.New("lock lost while held")

// codedError 携带退出码的错误，err 为 nil 时表示命令已完成输出
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *codedError) Unwrap() error { return e.err }

// usageError 参数或配置错误，退出码 2
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

// isCLIUsageError 识别 urfave/cli 与 flag 包产生的参数错误
func isCLIUsageError(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"flag provided but not defined",
		"flag needs an argument",
		"invalid value",
		"Required flag",
		"No help topic for",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func globalFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "配置文件路径（.yaml/.yml/.json）",
			Sources: cli.EnvVars("XLOCKCTL_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "覆盖配置中的后端类型",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "覆盖配置中的日志级别",
		},
		&cli.StringFlag{
			Name:  "log-file",
			Usage: "日志写入按大小轮转的文件",
		},
	}
}

func waitFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:    "wait",
		Aliases: []string{"w"},
		Usage:   "获取的最长等待，0 只尝试一次，负数一直等待",
	}
}

func holdFlag() cli.Flag {
	return &cli.DurationFlag{
		Name:  "for",
		Usage: "持有时长，0 表示持有到收到信号",
	}
}

func createCommands() []*cli.Command {
	return []*cli.Command{
		{
			Name:      "try",
			Usage:     "尝试获取互斥锁，成功后立即释放",
			ArgsUsage: "<name>",
			Flags:     []cli.Flag{waitFlag()},
			Action:    withSession(cmdTry),
		},
		{
			Name:      "hold",
			Usage:     "获取互斥锁并持有",
			ArgsUsage: "<name>",
			Flags:     []cli.Flag{waitFlag(), holdFlag()},
			Action:    withSession(cmdHold),
		},
		{
			Name:      "semaphore",
			Aliases:   []string{"sem"},
			Usage:     "获取信号量票据并持有",
			ArgsUsage: "<name> <max-count>",
			Flags:     []cli.Flag{waitFlag(), holdFlag()},
			Action:    withSession(cmdSemaphore),
		},
		{
			Name:  "version",
			Usage: "显示版本信息",
			Action: func(_ context.Context, cmd *cli.Command) error {
				_, err := fmt.Fprintf(cmd.Root().Writer, "xlockctl %s\n", versionString())
				return err
			},
		},
	}
}

// session 一次命令执行所需的后端与日志
type session struct {
	backend *backend
	logger  xlog.Logger
	out     io.Writer
}

// withSession 加载配置、构建日志并连接后端，命令结束后按逆序清理
func withSession(fn func(ctx context.Context, cmd *cli.Command, s *session) error) cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		cfg, err := loadConfig(cmd.String("config"))
		if err != nil {
			return &usageError{msg: err.Error()}
		}
		if v := cmd.String("backend"); v != "" {
			cfg.Backend.Kind = strings.ToLower(v)
		}
		if v := cmd.String("log-level"); v != "" {
			cfg.Log.Level = v
		}
		if v := cmd.String("log-file"); v != "" {
			cfg.Log.File = v
		}

		logger, cleanup, err := buildLogger(cfg.Log)
		if err != nil {
			return err
		}
		defer func() { _ = cleanup() }() //nolint:errcheck // 退出路径，关闭日志文件失败无处上报

		b, err := openBackend(ctx, cfg.Backend, logger)
		if err != nil {
			return err
		}
		defer func() {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			defer cancel()
			if cerr := b.close(cctx); cerr != nil {
				logger.Warn(cctx, "close backend failed", xlog.Err(cerr))
			}
		}()
		return fn(ctx, cmd, &session{backend: b, logger: logger, out: cmd.Root().Writer})
	}
}

// parseWait 负数表示一直等待
func parseWait(d time.Duration) xdlock.Timeout {
	if d < 0 {
		return xdlock.Infinite
	}
	return xdlock.MustTimeout(d)
}

func nameArg(cmd *cli.Command) (string, error) {
	name := cmd.Args().First()
	if name == "" {
		return "", &usageError{msg: "missing lock name"}
	}
	if err := xdlock.ValidateName(name, 0); err != nil {
		return "", &usageError{msg: err.Error()}
	}
	return name, nil
}

func cmdTry(ctx context.Context, cmd *cli.Command, s *session) error {
	name, err := nameArg(cmd)
	if err != nil {
		return err
	}
	lock, err := s.backend.createLock(name)
	if err != nil {
		return err
	}
	h, err := lock.TryAcquire(ctx, parseWait(cmd.Duration("wait")))
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Fprintf(s.out, "busy: %s\n", name)
		return &codedError{code: exitNotHeld}
	}
	fmt.Fprintf(s.out, "acquired: %s\n", name)
	return releaseHandle(ctx, h)
}

func cmdHold(ctx context.Context, cmd *cli.Command, s *session) error {
	name, err := nameArg(cmd)
	if err != nil {
		return err
	}
	lock, err := s.backend.createLock(name)
	if err != nil {
		return err
	}
	h, err := lock.TryAcquire(ctx, parseWait(cmd.Duration("wait")))
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Fprintf(s.out, "busy: %s\n", name)
		return &codedError{code: exitNotHeld}
	}
	fmt.Fprintf(s.out, "acquired: %s\n", name)
	return holdHandle(ctx, h, cmd.Duration("for"), s)
}

func cmdSemaphore(ctx context.Context, cmd *cli.Command, s *session) error {
	name, err := nameArg(cmd)
	if err != nil {
		return err
	}
	maxCount, err := strconv.Atoi(cmd.Args().Get(1))
	if err != nil || maxCount <= 0 {
		return &usageError{msg: fmt.Sprintf("invalid max count %q", cmd.Args().Get(1))}
	}
	sem, err := s.backend.createSemaphore(name, maxCount)
	if err != nil {
		return err
	}
	h, err := sem.TryAcquire(ctx, parseWait(cmd.Duration("wait")))
	if err != nil {
		return err
	}
	if h == nil {
		fmt.Fprintf(s.out, "busy: %s (max %d)\n", name, maxCount)
		return &codedError{code: exitNotHeld}
	}
	fmt.Fprintf(s.out, "acquired: %s (max %d)\n", name, maxCount)
	return holdHandle(ctx, h, cmd.Duration("for"), s)
}

// holdHandle 持有 h 直到信号、到期或丢锁，随后释放。
// 丢锁时不再尝试释放之外的任何动作，以退出码 4 结束。
func holdHandle(ctx context.Context, h xdlock.Handle, holdFor time.Duration, s *session) error {
	lost, err := h.Lost()
	if err != nil {
		return err
	}

	g, _ := xrun.NewGroup(ctx, xrun.WithLogger(s.logger), xrun.WithName("hold"))
	g.GoWithName("signals", xrun.WatchSignals(syscall.SIGINT, syscall.SIGTERM))
	g.GoWithName("lost", func(ctx context.Context) error {
		if err := xrun.WatchContext(lost, nil)(ctx); ctx.Err() == nil {
			return fmt.Errorf("%w: %w", errLockLost, err)
		}
		return nil
	})
	if holdFor > 0 {
		g.GoWithName("timer", xrun.Timer(holdFor, func(context.Context) error {
			g.Cancel(nil)
			return nil
		}))
	}
	waitErr := g.Wait()

	relErr := releaseHandle(ctx, h)
	switch {
	case errors.Is(waitErr, errLockLost):
		s.logger.Error(ctx, "lock lost while held", xlog.Lock(h.Name()), xlog.Err(waitErr))
		fmt.Fprintf(s.out, "lost: %s\n", h.Name())
		return &codedError{code: exitLockLost, err: waitErr}
	case waitErr != nil && !errors.Is(waitErr, xrun.ErrSignal):
		return waitErr
	}
	if relErr != nil {
		return relErr
	}
	fmt.Fprintf(s.out, "released: %s\n", h.Name())
	return nil
}

func releaseHandle(ctx context.Context, h xdlock.Handle) error {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := h.Release(rctx); err != nil {
		return fmt.Errorf("release %s: %w", h.Name(), err)
	}
	return nil
}
