package presence

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"

	redisclient "chatgate/pkg/redis"
)

const (
	// onlineCountKeyFmt 单个身份的全局连接计数
	onlineCountKeyFmt = "presence:count:%s"

	// onlineSetKey 在线身份集合，0→1时加入，归零时移除
	onlineSetKey = "presence:online_users"

	// leaseZSetKey 连接租约表，member=identity|connID，score=到期时间戳
	leaseZSetKey = "presence:leases"
)

// Counter 集群级在线计数器
// 各实例只通过原子增减操作共享计数，增减返回操作后的全局值，
// 越过0的那一次增减由调用方负责发出上线/下线事件（零交叉规则）
type Counter struct {
	redis    *redisclient.RedisClient
	leaseTTL time.Duration
}

// NewCounter 创建在线计数器
func NewCounter(redis *redisclient.RedisClient, leaseTTL time.Duration) *Counter {
	if leaseTTL <= 0 {
		leaseTTL = 45 * time.Second
	}
	return &Counter{
		redis:    redis,
		leaseTTL: leaseTTL,
	}
}

// Increment 连接建立时递增，返回递增后的全局计数
// 同时为该连接登记一份可续期租约，进程崩溃后由清理任务补偿递减
func (c *Counter) Increment(ctx context.Context, identity, connID string) (int64, error) {
	count, err := c.redis.Incr(ctx, countKey(identity))
	if err != nil {
		return 0, err
	}

	expiry := float64(time.Now().Add(c.leaseTTL).Unix())
	if err := c.redis.ZAdd(ctx, leaseZSetKey, &goredis.Z{Score: expiry, Member: leaseMember(identity, connID)}); err != nil {
		return count, err
	}

	if count == 1 {
		if err := c.redis.SAdd(ctx, onlineSetKey, identity); err != nil {
			return count, err
		}
	}

	return count, nil
}

// Decrement 连接关闭时递减
// 租约是递减的唯一凭证：ZRem成功的一方才执行递减，保证每个
// (identity, connID) 至多递减一次。清理任务先消费了租约时，
// 之后的显式关闭只读取当前计数，applied为false，不触发下线事件
func (c *Counter) Decrement(ctx context.Context, identity, connID string) (count int64, applied bool, err error) {
	removed, err := c.redis.ZRem(ctx, leaseZSetKey, leaseMember(identity, connID))
	if err != nil {
		return 0, false, err
	}
	if removed == 0 {
		count, err = c.currentCount(ctx, identity)
		return count, false, err
	}

	count, err = c.redis.DecrFloor(ctx, countKey(identity))
	if err != nil {
		return 0, false, err
	}

	if count == 0 {
		if err := c.redis.SRem(ctx, onlineSetKey, identity); err != nil {
			return count, true, err
		}
	}

	return count, true, nil
}

// Renew 心跳续期租约
func (c *Counter) Renew(ctx context.Context, identity, connID string) error {
	expiry := float64(time.Now().Add(c.leaseTTL).Unix())
	return c.redis.ZAdd(ctx, leaseZSetKey, &goredis.Z{Score: expiry, Member: leaseMember(identity, connID)})
}

// OnlineUsers 当前在线身份快照
func (c *Counter) OnlineUsers(ctx context.Context) ([]string, error) {
	return c.redis.SMembers(ctx, onlineSetKey)
}

// OnlineStatus 批量查询身份是否在线
// 键不存在是正常的离线，其他错误向上抛出，存储故障不得伪装成全员离线
func (c *Counter) OnlineStatus(ctx context.Context, identities []string) (map[string]bool, error) {
	status := make(map[string]bool, len(identities))
	for _, id := range identities {
		val, err := c.redis.Get(ctx, countKey(id))
		if err == goredis.Nil {
			status[id] = false
			continue
		}
		if err != nil {
			return nil, err
		}
		status[id] = val != "" && val != "0"
	}
	return status, nil
}

// currentCount 只读当前计数，键不存在按0处理
func (c *Counter) currentCount(ctx context.Context, identity string) (int64, error) {
	val, err := c.redis.Get(ctx, countKey(identity))
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}

// ExpiredLeases 取出所有已到期的租约
func (c *Counter) ExpiredLeases(ctx context.Context) ([]Lease, error) {
	now := time.Now().Unix()
	members, err := c.redis.ZRangeByScore(ctx, leaseZSetKey, &goredis.ZRangeBy{
		Min: "0",
		Max: fmt.Sprintf("%d", now),
	})
	if err != nil {
		return nil, err
	}

	leases := make([]Lease, 0, len(members))
	for _, m := range members {
		identity, connID, ok := parseLeaseMember(m)
		if !ok {
			continue
		}
		leases = append(leases, Lease{Identity: identity, ConnID: connID})
	}
	return leases, nil
}

// Lease 一条连接租约
type Lease struct {
	Identity string
	ConnID   string
}

func countKey(identity string) string {
	return fmt.Sprintf(onlineCountKeyFmt, identity)
}

// leaseMember connID是UUID不含分隔符，身份允许任意字符
func leaseMember(identity, connID string) string {
	return identity + "|" + connID
}

func parseLeaseMember(member string) (identity, connID string, ok bool) {
	idx := strings.LastIndex(member, "|")
	if idx <= 0 || idx == len(member)-1 {
		return "", "", false
	}
	return member[:idx], member[idx+1:], true
}
