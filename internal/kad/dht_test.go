package kad

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-kaddht/pkg/interfaces"
	"github.com/dep2p/go-kaddht/pkg/types"
)

// startNode 在内存网络上启动一个 DHT 节点
func startNode(t *testing.T, net *mocknet, opts ...ConfigOption) (*DHT, *mockHost, *Controller) {
	t.Helper()

	host := net.newHost()
	d, err := New(host, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { _ = d.Stop() })

	return d, host, d.Controller()
}

// testCtx 带超时的测试上下文
func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// ============================================================================
// 生命周期测试
// ============================================================================

// TestDHT_Creation 测试 DHT 创建
func TestDHT_Creation(t *testing.T) {
	net := newMocknet()
	host := net.newHost()

	d, err := New(host, nil)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, host.ID(), d.table.Local())
	assert.NotNil(t, d.store)
	assert.NotNil(t, d.view.Load())

	t.Log("✅ DHT 创建正确")
}

// TestDHT_InvalidConfig 测试非法配置
func TestDHT_InvalidConfig(t *testing.T) {
	net := newMocknet()

	_, err := New(net.newHost(), nil, WithAlpha(0))
	assert.Error(t, err)

	_, err = New(net.newHost(), nil, WithBucketSize(-1))
	assert.Error(t, err)

	t.Log("✅ 非法配置被拒绝")
}

// TestDHT_StartStop 测试启动与停止
func TestDHT_StartStop(t *testing.T) {
	net := newMocknet()
	host := net.newHost()

	d, err := New(host, nil)
	require.NoError(t, err)

	require.NoError(t, d.Start(context.Background()))
	assert.True(t, d.started.Load())

	// 协议处理器已注册
	host.mu.Lock()
	_, registered := host.handlers[DefaultProtocolID]
	host.mu.Unlock()
	assert.True(t, registered)

	require.NoError(t, d.Stop())

	// 停止后控制器报 ErrStopped
	_, err = d.Controller().Dump(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	t.Log("✅ 启动注册协议、停止后命令被拒绝")
}

// ============================================================================
// 引导与查找测试
// ============================================================================

// TestDHT_BootstrapAndFindPeer 测试引导后跨节点查找
func TestDHT_BootstrapAndFindPeer(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, ctrlB := startNode(t, net)
	_, hostC, _ := startNode(t, net)

	// B 认识 C
	require.NoError(t, ctrlB.AddAddress(ctx, hostC.info()))

	// A 以 B 为引导节点
	_, _, ctrlA := startNode(t, net, WithBootstrapPeers([]types.PeerInfo{hostB.info()}))
	require.NoError(t, ctrlA.Bootstrap(ctx))

	// A 通过 B 找到 C
	info, err := ctrlA.FindPeer(ctx, hostC.ID())
	require.NoError(t, err)
	assert.Equal(t, hostC.ID(), info.ID)
	assert.NotEmpty(t, info.Addrs)

	t.Log("✅ 引导后可跨节点找到目标")
}

// TestDHT_BootstrapNoPeers 测试无引导节点时引导失败
func TestDHT_BootstrapNoPeers(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, _, ctrl := startNode(t, net)

	err := ctrl.Bootstrap(ctx)
	assert.ErrorIs(t, err, ErrNoKnownPeers)

	t.Log("✅ 表空且无引导节点时 Bootstrap 返回 ErrNoKnownPeers")
}

// TestDHT_FindPeerUnknown 测试查找不存在的节点
func TestDHT_FindPeerUnknown(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)
	_, _, ctrlA := startNode(t, net)
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))

	_, err := ctrlA.FindPeer(ctx, types.RandomPeerID())
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ 不存在的节点返回 ErrNotFound")
}

// ============================================================================
// 值存取测试
// ============================================================================

// TestDHT_PutGetValue 测试跨节点值存取
func TestDHT_PutGetValue(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)
	_, hostC, ctrlC := startNode(t, net)
	require.NoError(t, ctrlC.AddAddress(ctx, hostB.info()))

	_, _, ctrlA := startNode(t, net)
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))
	require.NoError(t, ctrlA.AddAddress(ctx, hostC.info()))

	key := []byte("/app/setting")
	value := []byte("forty-two")

	acks, err := ctrlA.PutValue(ctx, key, value)
	require.NoError(t, err)
	assert.Positive(t, acks)

	// 从 C 读取（本地或网络路径皆可）
	rec, err := ctrlC.GetValue(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, value, rec.Value)
	assert.Equal(t, key, rec.Key)

	t.Log("✅ PutValue 后 GetValue 返回原值")
}

// TestDHT_GetValueMissing 测试读取不存在的键
func TestDHT_GetValueMissing(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)
	_, _, ctrlA := startNode(t, net)
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))

	_, err := ctrlA.GetValue(ctx, []byte("no-such-key"))
	assert.ErrorIs(t, err, ErrNotFound)

	t.Log("✅ 不存在的键返回 ErrNotFound")
}

// TestDHT_ProvideAndFindProviders 测试提供者宣告与发现
func TestDHT_ProvideAndFindProviders(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)

	_, hostA, ctrlA := startNode(t, net)
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))

	_, _, ctrlC := startNode(t, net)
	require.NoError(t, ctrlC.AddAddress(ctx, hostB.info()))
	require.NoError(t, ctrlC.AddAddress(ctx, hostA.info()))

	key := []byte("content-cid")

	acks, err := ctrlA.AddProvider(ctx, key)
	require.NoError(t, err)
	assert.Positive(t, acks)

	providers, err := ctrlC.FindProviders(ctx, key)
	require.NoError(t, err)

	found := false
	for _, p := range providers {
		if p.ID == hostA.ID() {
			found = true
		}
	}
	assert.True(t, found, "提供者 A 必须可被发现")

	t.Log("✅ AddProvider 后提供者可被发现")
}

// ============================================================================
// 路由表维护测试
// ============================================================================

// TestDHT_FailedRPCEviction 测试失败 RPC 驱逐
//
// 活性超过宽限的节点在 RPC 失败后被移出路由表；
// 新鲜节点同样失败但保留。
func TestDHT_FailedRPCEviction(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 8, 6, 12, 0, 0, 0, time.UTC))

	_, hostB, _ := startNode(t, net)
	dead := net.newHost() // 不启动 DHT，拨号失败注入

	_, hostA, ctrlA := startNode(t, net, WithClock(mock))
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))
	require.NoError(t, ctrlA.AddAddress(ctx, dead.info()))

	// 活性老化超过宽限（默认 1 分钟）
	mock.Add(2 * time.Minute)
	hostA.setDialFailure(dead.id, true)

	_, _ = ctrlA.FindPeer(ctx, dead.id)

	snap, err := ctrlA.Dump(ctx)
	require.NoError(t, err)
	for _, e := range snap.Table {
		assert.NotEqual(t, dead.id.String(), e.ID, "失活节点应被驱逐")
	}

	// 新鲜节点：重插后立即失败，不驱逐
	require.NoError(t, ctrlA.AddAddress(ctx, dead.info()))
	_, _ = ctrlA.FindPeer(ctx, dead.id)

	snap, err = ctrlA.Dump(ctx)
	require.NoError(t, err)
	kept := false
	for _, e := range snap.Table {
		if e.ID == dead.id.String() {
			kept = true
		}
	}
	assert.True(t, kept, "宽限内的节点单次失败不驱逐")

	t.Log("✅ 失败驱逐尊重活性宽限")
}

// TestDHT_PeerIdentifiedInsertion 测试识别事件入表
func TestDHT_PeerIdentifiedInsertion(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostA, ctrlA := startNode(t, net)
	peer := net.newHost()

	// 非 Kad 协议：不入表
	hostA.emitEvent(interfaces.EvtPeerIdentified{
		Peer:      peer.id,
		Addrs:     peer.addrs,
		Protocols: []string{"/other/proto/1.0.0"},
	})
	// Kad 协议：入表
	hostA.emitEvent(interfaces.EvtPeerIdentified{
		Peer:      peer.id,
		Addrs:     peer.addrs,
		Protocols: []string{DefaultProtocolID},
	})

	require.Eventually(t, func() bool {
		snap, err := ctrlA.Dump(ctx)
		if err != nil {
			return false
		}
		for _, e := range snap.Table {
			if e.ID == peer.id.String() {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	t.Log("✅ 携带 Kad 协议的识别事件触发入表")
}

// TestDHT_ConnectionEvents 测试连接事件
func TestDHT_ConnectionEvents(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostA, ctrlA := startNode(t, net)
	peer := net.newHost()
	require.NoError(t, ctrlA.AddAddress(ctx, peer.info()))

	hostA.emitEvent(interfaces.EvtConnected{Peer: peer.id})

	require.Eventually(t, func() bool {
		snap, err := ctrlA.Dump(ctx)
		if err != nil {
			return false
		}
		return len(snap.Connected) == 1
	}, 3*time.Second, 20*time.Millisecond)

	hostA.emitEvent(interfaces.EvtDisconnected{Peer: peer.id})

	require.Eventually(t, func() bool {
		snap, err := ctrlA.Dump(ctx)
		if err != nil {
			return false
		}
		// 断连清空连接集合，但表项保留
		if len(snap.Connected) != 0 {
			return false
		}
		for _, e := range snap.Table {
			if e.ID == peer.id.String() {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	t.Log("✅ 连接事件维护连接集合且断连不驱逐表项")
}

// ============================================================================
// Dump 与 Stats 测试
// ============================================================================

// TestDHT_DumpAndStats 测试快照与统计
func TestDHT_DumpAndStats(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)
	_, hostA, ctrlA := startNode(t, net)
	require.NoError(t, ctrlA.AddAddress(ctx, hostB.info()))

	_, err := ctrlA.FindPeer(ctx, hostB.ID())
	require.NoError(t, err)

	snap, err := ctrlA.Dump(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostA.ID().String(), snap.Local)
	assert.Equal(t, 1, snap.TableSize)
	assert.Empty(t, snap.ActiveQueries, "查询完成后无活动查询")

	stats, err := ctrlA.Stats(ctx)
	require.NoError(t, err)
	assert.Positive(t, stats.TotalQueries)
	assert.Positive(t, stats.TxByType["FIND_NODE"])

	t.Log("✅ Dump 与 Stats 内容正确")
}

// TestDHT_ControllerConcurrency 测试控制器并发使用
func TestDHT_ControllerConcurrency(t *testing.T) {
	net := newMocknet()
	ctx := testCtx(t)

	_, hostB, _ := startNode(t, net)
	d, _, _ := startNode(t, net)
	ctrl := d.Controller()
	require.NoError(t, ctrl.AddAddress(ctx, hostB.info()))

	done := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			c := d.Controller() // 每个调用方一个句柄副本
			_, err := c.Dump(ctx)
			done <- err
		}()
	}
	for i := 0; i < 8; i++ {
		assert.NoError(t, <-done)
	}

	t.Log("✅ 控制器句柄可并发使用")
}
