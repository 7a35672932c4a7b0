// Package k8slock 基于 Kubernetes coordination.k8s.io/v1 Lease 的分布式互斥锁。
//
// 每把锁对应命名空间中的一个 Lease。获取以乐观并发（resourceVersion）
// 写入 holderIdentity，冲突即视为被他人抢先；持有期间后台更新 renewTime，
// 续期失败时句柄的 Lost 信号触发。释放时清空 holderIdentity 而不删除 Lease。
//
// 前置条件：ServiceAccount 需要 leases 资源的 get/create/update 权限。
//
// 用法：
//
//	p, err := k8slock.NewInClusterProvider(k8slock.WithNamespace("jobs"))
//	lock, _ := p.CreateLock("daily-report")
//	h, err := lock.Acquire(ctx, xdlock.MustTimeout(time.Minute))
package k8slock

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	coordclient "k8s.io/client-go/kubernetes/typed/coordination/v1"
	"k8s.io/client-go/rest"

	"github.com/omeyang/xdsync/pkg/distributed/xdlock"
	"github.com/omeyang/xdsync/pkg/distributed/xdlock/internal/lease"
	"github.com/omeyang/xdsync/pkg/observability/xlog"
)

const backendName = "kubernetes"

// 默认值
const (
	DefaultPrefix    = "xdlock-"
	DefaultExpiry    = 15 * time.Second
	DefaultClockSkew = 2 * time.Second

	managedByLabel = "app.kubernetes.io/managed-by"
	managedByValue = "xdsync"
)

// ErrClosed Provider 已关闭
var ErrClosed = errors.New("k8slock: provider closed")

var _ xdlock.LockProvider = (*Provider)(nil)

// Option Provider 配置选项
type Option func(*options)

type options struct {
	logger    xlog.Logger
	namespace string
	identity  string
	prefix    string
	expiry    time.Duration
	cadence   time.Duration
	clockSkew time.Duration
	busyWait  xdlock.BusyWaitConfig
	facade    []xdlock.Option
}

// WithLogger 设置日志记录器，同时用于门面
func WithLogger(l xlog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithNamespace 设置 Lease 所在命名空间，默认读取 POD_NAMESPACE，否则 "default"
func WithNamespace(ns string) Option {
	return func(o *options) { o.namespace = ns }
}

// WithIdentity 设置实例标识，默认读取 POD_NAME，否则 hostname。
// 仅用于排查：holderIdentity 为 "<identity>:<每次获取的 uuid>"。
func WithIdentity(id string) Option {
	return func(o *options) { o.identity = id }
}

// WithPrefix 设置 Lease 名称前缀
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithExpiry 设置租约时长，向上取整到秒
func WithExpiry(d time.Duration) Option {
	return func(o *options) { o.expiry = d }
}

// WithExtensionCadence 设置续期间隔，默认 Expiry 的三分之一
func WithExtensionCadence(d time.Duration) Option {
	return func(o *options) { o.cadence = d }
}

// WithClockSkew 设置判断他人租约过期时额外等待的时钟偏差容忍度，负值表示不容忍
func WithClockSkew(d time.Duration) Option {
	return func(o *options) { o.clockSkew = d }
}

// WithBusyWait 设置轮询休眠区间
func WithBusyWait(cfg xdlock.BusyWaitConfig) Option {
	return func(o *options) { o.busyWait = cfg }
}

// WithFacadeOptions 设置门面选项（追踪、指标等）
func WithFacadeOptions(opts ...xdlock.Option) Option {
	return func(o *options) { o.facade = append(o.facade, opts...) }
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func defaultIdentity() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown"
	}
	return host
}

// Provider 在一个命名空间中以 Lease 资源创建锁
type Provider struct {
	client kubernetes.Interface
	opts   *options
	lease  lease.Config
	// seconds LeaseDurationSeconds
	seconds int32

	root   context.Context
	cancel context.CancelFunc
	closed atomic.Bool
}

// NewInClusterProvider 使用 Pod 内的 ServiceAccount 凭据创建 Provider
func NewInClusterProvider(opts ...Option) (*Provider, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8slock: in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("k8slock: create client: %w", err)
	}
	return NewProvider(client, opts...)
}

// NewProvider 创建 Provider
func NewProvider(client kubernetes.Interface, opts ...Option) (*Provider, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: nil kubernetes client", xdlock.ErrNilBackend)
	}
	o := &options{
		prefix:    DefaultPrefix,
		expiry:    DefaultExpiry,
		clockSkew: DefaultClockSkew,
		busyWait:  xdlock.DefaultBusyWait(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.namespace == "" {
		o.namespace = getEnvOrDefault("POD_NAMESPACE", "default")
	}
	if o.identity == "" {
		o.identity = getEnvOrDefault("POD_NAME", defaultIdentity())
	}
	o.clockSkew = max(o.clockSkew, 0)

	if o.expiry < time.Second || o.expiry > time.Duration(math.MaxInt32)*time.Second {
		return nil, fmt.Errorf("%w: expiry %s out of range", xdlock.ErrInvalidOption, o.expiry)
	}
	seconds := int32((o.expiry + time.Second - 1) / time.Second)
	if o.cadence == 0 {
		o.cadence = lease.DefaultCadence(o.expiry)
	}
	cfg := lease.Config{Expiry: o.expiry, Cadence: o.cadence}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", xdlock.ErrInvalidOption, err)
	}
	if err := o.busyWait.Validate(); err != nil {
		return nil, err
	}
	// 前缀本身须合法，并为名称与哈希后缀留出空间
	if invalidNameChars.MatchString(o.prefix) || len(o.prefix) > maxResourceName/2 {
		return nil, fmt.Errorf("%w: lease name prefix %q", xdlock.ErrInvalidOption, o.prefix)
	}
	o.logger = xlog.OrDiscard(o.logger).With(xlog.Backend(backendName))

	root, cancel := context.WithCancel(context.Background())
	return &Provider{client: client, opts: o, lease: cfg, seconds: seconds, root: root, cancel: cancel}, nil
}

// Close 停止所有租约续期，持有者随即收到丢锁信号
func (p *Provider) Close() error {
	if !p.closed.Swap(true) {
		p.cancel()
	}
	return nil
}

// Namespace Lease 所在命名空间
func (p *Provider) Namespace() string { return p.opts.namespace }

// Identity 实例标识
func (p *Provider) Identity() string { return p.opts.identity }

// LeaseName 锁名称对应的 Lease 资源名
func (p *Provider) LeaseName(name string) string { return leaseName(p.opts.prefix, name) }

func (p *Provider) leases() coordclient.LeaseInterface {
	return p.client.CoordinationV1().Leases(p.opts.namespace)
}

// CreateLock 创建互斥锁
func (p *Provider) CreateLock(name string) (*xdlock.Lock, error) {
	if err := xdlock.ValidateName(name, 0); err != nil {
		return nil, err
	}
	resource := p.LeaseName(name)
	prim, err := xdlock.BusyWaitLock(name, backendName, p.opts.busyWait, func(ctx context.Context) (xdlock.Handle, error) {
		return p.tryAcquire(ctx, name, resource)
	})
	if err != nil {
		return nil, err
	}
	opts := append([]xdlock.Option{xdlock.WithLogger(p.opts.logger)}, p.opts.facade...)
	return xdlock.NewLock(prim, opts...)
}

func (p *Provider) tryAcquire(ctx context.Context, name, resource string) (xdlock.Handle, error) {
	if p.closed.Load() {
		return nil, ErrClosed
	}
	token := p.opts.identity + ":" + uuid.NewString()
	start := time.Now()

	ok, err := p.claim(ctx, resource, token)
	if err != nil || !ok {
		return nil, err
	}

	logger := p.opts.logger.With(xlog.Lock(name))
	m := lease.StartWithValidity(p.root, p.lease.Expiry-time.Since(start), p.lease, func(ctx context.Context) (bool, error) {
		return p.renew(ctx, resource, token)
	}, logger)
	return lease.NewHandle(name, m, func(ctx context.Context) error {
		return p.release(ctx, resource, token)
	}, logger), nil
}

// claim 创建 Lease，或接管空闲/过期的 Lease
func (p *Provider) claim(ctx context.Context, resource, token string) (bool, error) {
	now := metav1.NewMicroTime(time.Now())
	l, err := p.leases().Get(ctx, resource, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		l = &coordinationv1.Lease{
			ObjectMeta: metav1.ObjectMeta{
				Name:      resource,
				Namespace: p.opts.namespace,
				Labels:    map[string]string{managedByLabel: managedByValue},
			},
		}
		p.setHolder(l, token, now)
		_, err = p.leases().Create(ctx, l, metav1.CreateOptions{})
		if apierrors.IsAlreadyExists(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("k8slock: create lease: %w", err)
		}
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8slock: get lease: %w", err)
	}

	// 自己先前的 token 也不可重入：每次获取都是新的 token
	if !p.available(l, now.Time) {
		return false, nil
	}
	p.setHolder(l, token, now)
	_, err = p.leases().Update(ctx, l, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("k8slock: acquire lease: %w", err)
	}
	return true, nil
}

func (p *Provider) setHolder(l *coordinationv1.Lease, token string, now metav1.MicroTime) {
	seconds := p.seconds
	l.Spec.HolderIdentity = &token
	l.Spec.LeaseDurationSeconds = &seconds
	l.Spec.AcquireTime = &now
	l.Spec.RenewTime = &now
}

// available 无持有者，或 renewTime + duration + clockSkew 已过
func (p *Provider) available(l *coordinationv1.Lease, now time.Time) bool {
	if l.Spec.HolderIdentity == nil || *l.Spec.HolderIdentity == "" {
		return true
	}
	if l.Spec.RenewTime == nil || l.Spec.LeaseDurationSeconds == nil {
		return true
	}
	d := time.Duration(*l.Spec.LeaseDurationSeconds) * time.Second
	return now.After(l.Spec.RenewTime.Add(d + p.opts.clockSkew))
}

// renew 仍是持有者时更新 renewTime。冲突说明 Lease 已被他人改写。
func (p *Provider) renew(ctx context.Context, resource, token string) (bool, error) {
	l, err := p.leases().Get(ctx, resource, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if l.Spec.HolderIdentity == nil || *l.Spec.HolderIdentity != token {
		return false, nil
	}
	now := metav1.NewMicroTime(time.Now())
	seconds := p.seconds
	l.Spec.RenewTime = &now
	l.Spec.LeaseDurationSeconds = &seconds
	_, err = p.leases().Update(ctx, l, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return false, nil
	}
	return err == nil, err
}

// release 仍是持有者时清空 holderIdentity。保留 Lease 对象供下次复用。
func (p *Provider) release(ctx context.Context, resource, token string) error {
	l, err := p.leases().Get(ctx, resource, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if l.Spec.HolderIdentity == nil || *l.Spec.HolderIdentity != token {
		return nil
	}
	l.Spec.HolderIdentity = nil
	l.Spec.AcquireTime = nil
	l.Spec.RenewTime = nil
	_, err = p.leases().Update(ctx, l, metav1.UpdateOptions{})
	if apierrors.IsConflict(err) {
		return nil
	}
	return err
}
