package localmapping

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/edaniels/golog"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"github.com/YRDcoconut/plmap/pmap"
)

type recordingBA struct {
	calls atomic.Int32
}

func (r *recordingBA) LocalBundleAdjustment(ctx context.Context, kf *pmap.KeyFrame, abort *atomic.Bool) error {
	r.calls.Add(1)
	return nil
}

type recordingLoop struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recordingLoop) InsertKeyFrame(kf *pmap.KeyFrame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, kf.ID())
}

func (r *recordingLoop) seen() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64{}, r.ids...)
}

func emptyKeyFrame(m *pmap.Map) *pmap.KeyFrame {
	return m.NewKeyFrame(pmap.FrameData{
		Pose:         pmap.IdentityPose(),
		Intrinsics:   testIntrinsics,
		ScaleFactors: []float64{1.0, 1.2},
		LevelSigma2:  []float64{1.0, 1.44},
	})
}

func TestNewValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)

	_, err := New(DefaultConfig(), nil, nil, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg := DefaultConfig()
	cfg.Sigma = -1
	_, err = New(cfg, pmap.NewMap(), nil, nil, nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestConfigCheckValid(t *testing.T) {
	cfg := DefaultConfig()
	test.That(t, cfg.CheckValid(), test.ShouldBeNil)

	cfg.Sigma = 0
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.CullFoundRatio = 1.5
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.RedundantObsRatio = 0
	test.That(t, cfg.CheckValid(), test.ShouldNotBeNil)

	// invalid fields report together
	cfg.Sigma = -2
	err := cfg.CheckValid()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "sigma")
	test.That(t, err.Error(), test.ShouldContainSubstring, "redundant_obs_ratio")
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "localmapping.json")
	content := []byte(`{"monocular": false, "sigma": 1.2, "three_view_lines": false}`)
	test.That(t, os.WriteFile(path, content, 0o644), test.ShouldBeNil)

	cfg, err := LoadConfig(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.Monocular, test.ShouldBeFalse)
	test.That(t, cfg.Sigma, test.ShouldEqual, 1.2)
	test.That(t, cfg.ThreeViewLines, test.ShouldBeFalse)
	// absent fields keep their defaults
	test.That(t, cfg.CullFoundRatio, test.ShouldEqual, 0.25)

	_, err = LoadConfig(filepath.Join(dir, "missing.json"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.json")
	test.That(t, os.WriteFile(bad, []byte(`{"sigma": -3}`), 0o644), test.ShouldBeNil)
	_, err = LoadConfig(bad)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestQueueAndBackpressure(t *testing.T) {
	m := pmap.NewMap()
	lm := newTestMapping(t, m, DefaultConfig())

	test.That(t, lm.AcceptingKeyFrames(), test.ShouldBeTrue)
	lm.SetAcceptKeyFrames(false)
	test.That(t, lm.AcceptingKeyFrames(), test.ShouldBeFalse)

	lm.InsertKeyFrame(emptyKeyFrame(m))
	lm.InsertKeyFrame(emptyKeyFrame(m))
	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 2)
	// inserting interrupts a running bundle adjustment
	test.That(t, lm.abortBA.Load(), test.ShouldBeTrue)

	kf := lm.popKeyFrame()
	test.That(t, kf, test.ShouldNotBeNil)
	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 1)
}

func TestStopHandshake(t *testing.T) {
	lm := newTestMapping(t, pmap.NewMap(), DefaultConfig())

	// no pending request: nothing to acknowledge
	test.That(t, lm.tryStop(), test.ShouldBeFalse)

	lm.RequestStop()
	test.That(t, lm.stopRequested(), test.ShouldBeTrue)
	test.That(t, lm.IsStopped(), test.ShouldBeFalse)
	test.That(t, lm.tryStop(), test.ShouldBeTrue)
	test.That(t, lm.IsStopped(), test.ShouldBeTrue)

	// a stopped pipeline cannot be latched open
	test.That(t, lm.SetNotStop(true), test.ShouldBeFalse)

	lm.Release()
	test.That(t, lm.IsStopped(), test.ShouldBeFalse)
	test.That(t, lm.stopRequested(), test.ShouldBeFalse)
}

func TestSetNotStopBlocksStop(t *testing.T) {
	lm := newTestMapping(t, pmap.NewMap(), DefaultConfig())

	test.That(t, lm.SetNotStop(true), test.ShouldBeTrue)
	lm.RequestStop()
	test.That(t, lm.tryStop(), test.ShouldBeFalse)
	test.That(t, lm.IsStopped(), test.ShouldBeFalse)

	test.That(t, lm.SetNotStop(false), test.ShouldBeTrue)
	test.That(t, lm.tryStop(), test.ShouldBeTrue)
	test.That(t, lm.IsStopped(), test.ShouldBeTrue)
}

func TestReleaseDropsQueue(t *testing.T) {
	m := pmap.NewMap()
	lm := newTestMapping(t, m, DefaultConfig())

	lm.RequestStop()
	test.That(t, lm.tryStop(), test.ShouldBeTrue)
	lm.InsertKeyFrame(emptyKeyFrame(m))
	lm.InsertKeyFrame(emptyKeyFrame(m))

	lm.Release()
	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 0)
}

func TestResetClearsPipelineState(t *testing.T) {
	m := pmap.NewMap()
	lm := newTestMapping(t, m, DefaultConfig())

	lm.InsertKeyFrame(emptyKeyFrame(m))
	p := m.NewPoint(r3.Vector{}, m.NewKeyFrame(pmap.FrameData{Intrinsics: testIntrinsics}))
	lm.recentPoints = append(lm.recentPoints, p)

	lm.mu.Lock()
	lm.resetPending = true
	lm.mu.Unlock()
	lm.resetIfRequested()

	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 0)
	test.That(t, lm.recentPoints, test.ShouldBeNil)
	test.That(t, lm.recentLines, test.ShouldBeNil)

	// a canceled context unblocks a waiting reset request
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	test.That(t, lm.RequestReset(ctx), test.ShouldBeError, context.Canceled)
}

func TestRunLoopLifecycle(t *testing.T) {
	m := pmap.NewMap()
	lm := newTestMapping(t, m, DefaultConfig())
	ctx := context.Background()
	lm.StartBackground(ctx)

	lm.InsertKeyFrame(emptyKeyFrame(m))
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, m.KeyFrameCount(), test.ShouldEqual, 1)
	})

	lm.RequestStop()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, lm.IsStopped(), test.ShouldBeTrue)
	})

	// keyframes queued while paused are dropped on release
	lm.InsertKeyFrame(emptyKeyFrame(m))
	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 1)
	lm.Release()
	test.That(t, lm.KeyFramesInQueue(), test.ShouldEqual, 0)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, lm.AcceptingKeyFrames(), test.ShouldBeTrue)
	})

	// the running loop acknowledges a reset
	test.That(t, lm.RequestReset(ctx), test.ShouldBeNil)

	test.That(t, lm.Close(ctx), test.ShouldBeNil)
	test.That(t, lm.IsFinished(), test.ShouldBeTrue)
	test.That(t, m.KeyFrameCount(), test.ShouldEqual, 1)
}

func TestBundleAdjustmentAndHandOff(t *testing.T) {
	m := pmap.NewMap()
	ba := &recordingBA{}
	loop := &recordingLoop{}
	lm, err := New(DefaultConfig(), m, nil, ba, loop, golog.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	lm.StartBackground(ctx)

	for i := 0; i < 3; i++ {
		lm.InsertKeyFrame(emptyKeyFrame(m))
		want := i + 1
		testutils.WaitForAssertion(t, func(tb testing.TB) {
			tb.Helper()
			test.That(tb, m.KeyFrameCount(), test.ShouldEqual, want)
			test.That(tb, lm.KeyFramesInQueue(), test.ShouldEqual, 0)
		})
	}
	test.That(t, lm.Close(ctx), test.ShouldBeNil)

	// adjustment only triggers once the map can constrain it
	test.That(t, ba.calls.Load(), test.ShouldBeGreaterThanOrEqualTo, 1)
	// every processed keyframe is handed to loop closing in order
	test.That(t, loop.seen(), test.ShouldResemble, []int64{0, 1, 2})
}

func TestInterruptBA(t *testing.T) {
	lm := newTestMapping(t, pmap.NewMap(), DefaultConfig())
	test.That(t, lm.abortBA.Load(), test.ShouldBeFalse)
	lm.InterruptBA()
	test.That(t, lm.abortBA.Load(), test.ShouldBeTrue)
}
