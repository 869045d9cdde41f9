package kad

import (
	"context"

	"go.uber.org/fx"

	"github.com/dep2p/go-kaddht/pkg/interfaces"
)

// Module Kad DHT Fx 模块
var Module = fx.Module("kad",
	fx.Provide(NewFromParams),
	fx.Invoke(registerLifecycle),
)

// Params DHT 依赖参数
type Params struct {
	fx.In

	Host   interfaces.Host
	Store  interfaces.RecordStore `optional:"true"`
	Config *Config                `optional:"true"`
}

// Result DHT 导出结果
type Result struct {
	fx.Out

	DHT        *DHT
	Controller *Controller
}

// NewFromParams 从 Fx 参数创建 DHT
func NewFromParams(p Params) (Result, error) {
	cfg := p.Config
	if cfg == nil {
		cfg = DefaultConfig()
	}

	d, err := newWithConfig(p.Host, p.Store, cfg)
	if err != nil {
		return Result{}, err
	}

	return Result{
		DHT:        d,
		Controller: d.Controller(),
	}, nil
}

// registerLifecycle 挂接 Fx 生命周期
func registerLifecycle(lc fx.Lifecycle, d *DHT) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return d.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return d.Stop()
		},
	})
}
