package presence

import (
	"context"
	"time"

	"chatgate/pkg/logger"
	redisclient "chatgate/pkg/redis"
)

const (
	// leaderLockKey 清理任务领导者锁
	leaderLockKey = "presence:reconciler:leader"
)

// OfflineFunc 租约补偿导致计数归零时的下线回调
type OfflineFunc func(ctx context.Context, identity string)

// Reconciler 租约清理任务
// 进程崩溃会留下未递减的计数，清理任务扫描过期租约并补偿递减，
// 避免身份永久卡在在线状态。用Redis分布式锁做领导者选举保证全局单点执行
type Reconciler struct {
	redis      *redisclient.RedisClient
	counter    *Counter
	log        logger.Logger
	instanceID string
	interval   time.Duration
	onOffline  OfflineFunc

	stopCh chan struct{}
}

// NewReconciler 创建租约清理任务
func NewReconciler(redis *redisclient.RedisClient, counter *Counter, log logger.Logger, instanceID string, interval time.Duration, onOffline OfflineFunc) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		redis:      redis,
		counter:    counter,
		log:        log,
		instanceID: instanceID,
		interval:   interval,
		onOffline:  onOffline,
		stopCh:     make(chan struct{}),
	}
}

// Start 启动清理循环
func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				if !r.tryBecomeLeader(ctx) {
					continue
				}
				if _, err := r.ReconcileExpired(ctx); err != nil {
					r.log.Error(ctx, "Presence lease reconcile failed", logger.F("error", err.Error()))
				}
			}
		}
	}()
}

// Stop 停止清理循环
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// tryBecomeLeader 尝试获取或续期领导者锁
func (r *Reconciler) tryBecomeLeader(ctx context.Context) bool {
	lockTTL := 2 * r.interval

	ok, err := r.redis.SetNX(ctx, leaderLockKey, r.instanceID, lockTTL)
	if err != nil {
		r.log.Warn(ctx, "Reconciler leader election failed", logger.F("error", err.Error()))
		return false
	}
	if ok {
		return true
	}

	// 已有领导者，若是自己则续期
	holder, err := r.redis.Get(ctx, leaderLockKey)
	if err != nil || holder != r.instanceID {
		return false
	}
	_ = r.redis.Expire(ctx, leaderLockKey, lockTTL)
	return true
}

// ReconcileExpired 补偿所有过期租约，返回处理条数
// 每条过期租约对应一次缺失的递减；归零时触发下线回调（零交叉规则对清理路径同样成立）
func (r *Reconciler) ReconcileExpired(ctx context.Context) (int, error) {
	leases, err := r.counter.ExpiredLeases(ctx)
	if err != nil {
		return 0, err
	}

	for _, lease := range leases {
		count, applied, err := r.counter.Decrement(ctx, lease.Identity, lease.ConnID)
		if err != nil {
			r.log.Error(ctx, "Expired lease decrement failed",
				logger.F("identity", lease.Identity),
				logger.F("conn_id", lease.ConnID),
				logger.F("error", err.Error()))
			continue
		}
		if !applied {
			// 租约已被显式关闭消费，无需补偿
			continue
		}

		r.log.Warn(ctx, "Presence lease expired, applied missing decrement",
			logger.F("identity", lease.Identity),
			logger.F("conn_id", lease.ConnID),
			logger.F("count", count))

		if count == 0 && r.onOffline != nil {
			r.onOffline(ctx, lease.Identity)
		}
	}

	return len(leases), nil
}
