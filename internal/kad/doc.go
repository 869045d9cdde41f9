// Package kad 实现 Kademlia DHT 路由核心
//
// # 模块概述
//
// kad 在一个 P2P 主机（interfaces.Host）之上提供基于内容的节点
// 与值路由，是上层服务（内容提供者、记录存储、节点发现）的
// 路由基座。核心由三个子系统组成：
//
//  1. 路由表（KBucketTable）：256 个 K 桶，按活性替换表项，
//     周期健康检查驱逐失活节点
//  2. 迭代查询引擎（QueryTask）：并发受限、Beta 失速终止的
//     Kademlia 查找，每个查询一个独立任务
//  3. 主循环（MainLoop）：单线程 actor，串行处理命令、事件与
//     定时器，独占持有路由表
//
// # 核心功能
//
// 1. 路由表管理
//   - 256 个 K-Bucket（K=20）
//   - XOR 距离度量
//   - 基于活性的替换策略：活性是记录在表项上的事实，只由
//     确实观测到的成功 RPC 或新鲜 identify 更新；桶满时替换
//     活性超过门限的最旧表项，没有候补列表
//   - 周期健康检查驱逐失活表项
//
// 2. 节点发现
//   - FindPeer: 查找特定节点
//   - 迭代查询算法（Alpha=3，Beta=3）
//   - 自查找 + 超期桶随机目标查找的周期刷新
//
// 3. 内容路由
//   - AddProvider: 宣告内容提供者
//   - FindProviders: 查找内容提供者
//
// 4. 值存储
//   - PutValue: 存储键值对（复制到距键最近的节点）
//   - GetValue: 获取键值对（法定数量短路）
//
// # 架构设计
//
// 所有可变状态由 MainLoop 独占：
//
//	Controller ──命令通道──▶ MainLoop ──派生──▶ QueryTask
//	     ▲                      │  ▲                │
//	     └──────一次性答复───────┘  └────事件通道─────┘
//
//	Host ──入站流──▶ MessageRouter ──peerSeen──▶ MainLoop
//	                     │
//	                     └──读取路由表快照（无锁）
//
// MainLoop 从不阻塞在 I/O 上；全部 I/O 由派生任务（QueryTask、
// 入站流处理）承担，任务只通过通道汇报。路由表的并发读取通过
// MainLoop 每次变更后发布的不可变快照完成，因此不需要锁。
//
// # 查询终止
//
// 迭代查询以轮为单位推进，满足任一条件即成功终止：
//   - 连续 Beta 轮未发现比已知最近节点更近的节点
//   - 前沿 K 个节点全部处于终止状态
//   - 候选名单耗尽
//
// 只有硬取消或总截止时间到达才算失败终止。
//
// # 协议
//
// 协议 ID: /ipfs/kad/1.0.0（可配置）
//
// 消息类型（6 种）：
//   - PUT_VALUE: 存储值
//   - GET_VALUE: 查找值
//   - ADD_PROVIDER: 宣告提供者
//   - GET_PROVIDERS: 查找提供者
//   - FIND_NODE: 查找节点
//   - PING: 心跳
//
// 编码格式: unsigned varint 长度前缀 + protobuf
//
// # 参数
//
//   - K (BucketSize): 20 - K-桶容量
//   - Alpha: 3 - 并发查询参数
//   - Beta: 3 - 失速终止轮数
//   - RPCTimeout: 10s - 单次 RPC 超时
//   - QueryDeadline: 60s - 查询截止时间
//   - RefreshInterval: 10min - 路由表刷新间隔
//   - StaleReplaceThreshold: 10min - 满桶替换门限
//   - StaleEvictThreshold: 1h - 健康检查驱逐门限
//   - RecordTTL: 24h - 值记录 TTL
//   - ProviderTTL: 24h - 提供者记录 TTL
//
// # 使用示例
//
//	d, err := kad.New(host, nil, kad.WithBootstrapPeers(peers))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := d.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer d.Stop()
//
//	ctrl := d.Controller()
//	if err := ctrl.Bootstrap(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
//	info, err := ctrl.FindPeer(ctx, peerID)
//
// # 依赖
//
//   - interfaces.Host: 网络主机门面
//   - interfaces.RecordStore: 记录存储（可选，默认内存实现）
package kad
