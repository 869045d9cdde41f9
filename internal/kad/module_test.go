package kad

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dep2p/go-kaddht/pkg/interfaces"
)

// TestModule_Wiring 测试 Fx 模块装配
func TestModule_Wiring(t *testing.T) {
	net := newMocknet()
	host := net.newHost()

	var d *DHT
	var ctrl *Controller

	app := fxtest.New(t,
		fx.Provide(func() interfaces.Host { return host }),
		Module,
		fx.Populate(&d, &ctrl),
	)

	app.RequireStart()
	require.NotNil(t, d)
	require.NotNil(t, ctrl)
	assert.True(t, d.started.Load())

	snap, err := ctrl.Dump(context.Background())
	require.NoError(t, err)
	assert.Equal(t, host.ID().String(), snap.Local)

	app.RequireStop()
	assert.NotPanics(t, func() { _ = d.Stop() })

	t.Log("✅ Fx 模块装配与生命周期正确")
}

// TestModule_CustomConfig 测试注入自定义配置
func TestModule_CustomConfig(t *testing.T) {
	net := newMocknet()
	host := net.newHost()

	cfg := DefaultConfig()
	cfg.BucketSize = 8
	cfg.Alpha = 2

	var d *DHT

	app := fxtest.New(t,
		fx.Provide(func() interfaces.Host { return host }),
		fx.Supply(cfg),
		Module,
		fx.Populate(&d),
	)

	app.RequireStart()
	assert.Equal(t, 8, d.cfg.BucketSize)
	assert.Equal(t, 2, d.cfg.Alpha)
	app.RequireStop()

	t.Log("✅ 自定义配置注入生效")
}
