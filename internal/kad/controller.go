package kad

import (
	"context"

	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// ============================================================================
//                              控制器
// ============================================================================

// Controller DHT 对外操作句柄
//
// 每个方法向 MainLoop 发送一条命令并在一次性答复通道上等待
// 结果。句柄可廉价复制，多个 goroutine 可并发使用；命令通道
// 有界，调用方自然承受背压。
type Controller struct {
	cmds chan<- command
	done <-chan struct{}
}

// send 发送命令
func (c *Controller) send(ctx context.Context, cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Bootstrap 引导节点
//
// 将配置的引导节点写入路由表并执行一次刷新；首次刷新完成后
// 返回。刷新失败或截止时间先到时返回相应错误。
func (c *Controller) Bootstrap(ctx context.Context) error {
	cmd := cmdBootstrap{ctx: ctx, reply: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// FindPeer 查找指定节点的地址信息
func (c *Controller) FindPeer(ctx context.Context, peer types.PeerID) (types.PeerInfo, error) {
	cmd := cmdFindPeer{ctx: ctx, peer: peer, reply: make(chan findPeerReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return types.PeerInfo{}, err
	}
	select {
	case r := <-cmd.reply:
		return r.info, r.err
	case <-ctx.Done():
		return types.PeerInfo{}, ctx.Err()
	case <-c.done:
		return types.PeerInfo{}, ErrStopped
	}
}

// FindProviders 查找键的内容提供者
func (c *Controller) FindProviders(ctx context.Context, key []byte) ([]types.PeerInfo, error) {
	cmd := cmdFindProviders{ctx: ctx, key: key, reply: make(chan providersReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return nil, err
	}
	select {
	case r := <-cmd.reply:
		return r.providers, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrStopped
	}
}

// GetValue 查找键对应的值记录
func (c *Controller) GetValue(ctx context.Context, key []byte) (interfaces.Record, error) {
	cmd := cmdGetValue{ctx: ctx, key: key, reply: make(chan valueReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return interfaces.Record{}, err
	}
	select {
	case r := <-cmd.reply:
		return r.record, r.err
	case <-ctx.Done():
		return interfaces.Record{}, ctx.Err()
	case <-c.done:
		return interfaces.Record{}, ErrStopped
	}
}

// PutValue 存储键值并复制到距键最近的节点
//
// 返回确认写入的节点数。
func (c *Controller) PutValue(ctx context.Context, key, value []byte) (int, error) {
	cmd := cmdPutValue{ctx: ctx, key: key, value: value, reply: make(chan writeReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return 0, err
	}
	select {
	case r := <-cmd.reply:
		return r.acks, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrStopped
	}
}

// AddProvider 宣告本节点为键的内容提供者
//
// 返回确认写入的节点数。
func (c *Controller) AddProvider(ctx context.Context, key []byte) (int, error) {
	cmd := cmdAddProvider{ctx: ctx, key: key, reply: make(chan writeReply, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return 0, err
	}
	select {
	case r := <-cmd.reply:
		return r.acks, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, ErrStopped
	}
}

// AddAddress 手动向路由表加入节点
func (c *Controller) AddAddress(ctx context.Context, info types.PeerInfo) error {
	cmd := cmdAddPeer{info: info, reply: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// RemovePeer 从路由表移除节点
func (c *Controller) RemovePeer(ctx context.Context, peer types.PeerID) error {
	cmd := cmdRemovePeer{peer: peer, reply: make(chan error, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrStopped
	}
}

// Dump 返回路由表、连接集合和活动查询的快照
func (c *Controller) Dump(ctx context.Context) (DumpSnapshot, error) {
	cmd := cmdDump{reply: make(chan DumpSnapshot, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return DumpSnapshot{}, err
	}
	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-ctx.Done():
		return DumpSnapshot{}, ctx.Err()
	case <-c.done:
		return DumpSnapshot{}, ErrStopped
	}
}

// Stats 返回运行统计快照
func (c *Controller) Stats(ctx context.Context) (StatsSnapshot, error) {
	cmd := cmdStats{reply: make(chan StatsSnapshot, 1)}
	if err := c.send(ctx, cmd); err != nil {
		return StatsSnapshot{}, err
	}
	select {
	case snap := <-cmd.reply:
		return snap, nil
	case <-ctx.Done():
		return StatsSnapshot{}, ctx.Err()
	case <-c.done:
		return StatsSnapshot{}, ErrStopped
	}
}
