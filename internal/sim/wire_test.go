package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelvnc/internal/detect"
	"sentinelvnc/internal/proxy"
)

func drainUpstream(t *testing.T) *Upstream {
	t.Helper()
	up, err := ServeUpstream(UpstreamConfig{Logger: testLogger()})
	require.NoError(t, err)
	t.Cleanup(up.Close)
	return up
}

func TestWireClipboardShapeDeliversBursts(t *testing.T) {
	up := drainUpstream(t)

	sum, err := RunWire(context.Background(), WireConfig{
		ProxyAddr:  up.Addr(),
		Scenario:   ScenarioClipboardAbuse,
		BurstBytes: 8192,
		Interval:   time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5*8192), sum.BytesSent)
	assert.Equal(t, 5, sum.Writes)
	assert.False(t, sum.Terminated)

	require.Eventually(t, func() bool {
		in, _ := up.Stats()
		return in == 5*8192
	}, 2*time.Second, 10*time.Millisecond, "upstream must drain every burst byte")
}

func TestWireNormalShapeWritesSmallChunks(t *testing.T) {
	up := drainUpstream(t)

	sum, err := RunWire(context.Background(), WireConfig{
		ProxyAddr: up.Addr(),
		Scenario:  ScenarioNormal,
		Interval:  time.Millisecond,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, sum.Writes)
	assert.GreaterOrEqual(t, sum.BytesSent, uint64(20*1024))
	assert.LessOrEqual(t, sum.BytesSent, uint64(20*50*1024))
	assert.False(t, sum.Terminated)
}

func TestWireScreenshotShapeDrainsBlast(t *testing.T) {
	up, err := ServeUpstream(UpstreamConfig{
		Frames:     10,
		FrameBytes: 64 << 10,
		Interval:   2 * time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	t.Cleanup(up.Close)

	sum, err := RunWire(context.Background(), WireConfig{
		ProxyAddr: up.Addr(),
		Scenario:  ScenarioScreenshotScraping,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(10*64<<10), sum.BytesReceived)
	assert.Zero(t, sum.BytesSent)
	assert.Zero(t, sum.Writes)
	assert.False(t, sum.Terminated, "a finished blast half-closes cleanly")
}

func TestWireReportsRelayTermination(t *testing.T) {
	up := drainUpstream(t)

	engine := detect.NewEngine(detect.Config{
		Rules: detect.RuleConfig{ClipboardThresholdKB: 1},
	}, stubScorer{score: 0.9}, testLogger())

	p, err := proxy.New(proxy.Config{
		Listen:        "127.0.0.1:0",
		ControlListen: "127.0.0.1:0",
		Upstream:      up.Addr(),
		AutoContain:   true,
		IOTimeout:     200 * time.Millisecond,
	}, proxy.Deps{Engine: engine, Logger: testLogger()})
	require.NoError(t, err)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})

	sum, err := RunWire(context.Background(), WireConfig{
		ProxyAddr:  p.Addr().String(),
		Scenario:   ScenarioClipboardAbuse,
		BurstBytes: 8 << 20,
		Interval:   time.Millisecond,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	assert.True(t, sum.Terminated, "containment must surface as a cut session")
	assert.Less(t, sum.BytesSent, uint64(5*8<<20))

	require.Eventually(t, func() bool {
		for _, s := range p.Snapshots() {
			if s.State == "contained" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWireRejectsUnknownScenario(t *testing.T) {
	_, err := RunWire(context.Background(), WireConfig{
		ProxyAddr: "127.0.0.1:1",
		Scenario:  Scenario("ransomware"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ransomware")
}

func TestUpstreamShapeFor(t *testing.T) {
	for _, sc := range []Scenario{ScenarioNormal, ScenarioClipboardAbuse, ScenarioFileExfiltration} {
		frames, _ := UpstreamShapeFor(sc)
		assert.Zero(t, frames, sc)
	}
	frames, frameBytes := UpstreamShapeFor(ScenarioScreenshotScraping)
	assert.Equal(t, 10, frames)
	assert.Equal(t, 1<<20, frameBytes)
	frames, _ = UpstreamShapeFor(ScenarioMixed)
	assert.Equal(t, 8, frames)
}
