// Package localmapping grows and maintains the map as keyframes arrive from
// tracking: it integrates each new keyframe, culls unreliable recent
// landmarks, triangulates new points and lines against covisible neighbors,
// fuses duplicated landmarks, triggers local bundle adjustment and retires
// redundant keyframes.
//
// The pipeline runs on a single background goroutine fed through a keyframe
// queue. Stop, reset and finish requests are explicit state transitions
// polled by the run loop, so callers always know whether the pipeline is
// paused, draining or gone.
package localmapping

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"

	"github.com/YRDcoconut/plmap/pmap"
)

// lifecycleState is the run-loop state. Transitions only move forward within
// a pause cycle (Running -> StopRequested -> Stopped -> Running via Release)
// and terminally through FinishRequested -> Finished.
type lifecycleState int

const (
	stateRunning lifecycleState = iota
	stateStopRequested
	stateStopped
	stateFinishRequested
	stateFinished
)

func (s lifecycleState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateStopRequested:
		return "stop-requested"
	case stateStopped:
		return "stopped"
	case stateFinishRequested:
		return "finish-requested"
	case stateFinished:
		return "finished"
	}
	return "unknown"
}

// pollInterval paces the run loop when idle, paused or waiting on a
// handshake.
const pollInterval = 3 * time.Millisecond

// LocalMapping is the incremental mapping pipeline.
type LocalMapping struct {
	cfg     Config
	m       *pmap.Map
	matcher Matcher
	ba      BundleAdjuster
	loop    LoopCloser
	logger  golog.Logger

	mu              sync.Mutex
	st              lifecycleState
	resetPending    bool
	notStop         bool
	acceptKeyFrames bool
	queue           []*pmap.KeyFrame

	abortBA atomic.Bool

	current      *pmap.KeyFrame
	recentPoints []*pmap.MapPoint
	recentLines  []*pmap.MapLine

	activeBackgroundWorkers sync.WaitGroup
}

// New assembles a pipeline over the given map. ba and loop may be nil, which
// disables the optimization trigger and the hand-off stage respectively;
// a nil matcher gets the default ProjectionMatcher.
func New(cfg Config, m *pmap.Map, matcher Matcher, ba BundleAdjuster, loop LoopCloser, logger golog.Logger) (*LocalMapping, error) {
	if err := cfg.CheckValid(); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("map cannot be nil")
	}
	if matcher == nil {
		matcher = NewProjectionMatcher(cfg.Sigma)
	}
	return &LocalMapping{
		cfg:             cfg,
		m:               m,
		matcher:         matcher,
		ba:              ba,
		loop:            loop,
		logger:          logger,
		acceptKeyFrames: true,
	}, nil
}

// StartBackground launches the run loop. Close waits for it to exit.
func (l *LocalMapping) StartBackground(ctx context.Context) {
	l.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		l.run(ctx)
	}, l.activeBackgroundWorkers.Done)
}

// Close requests the run loop to finish and waits for it.
func (l *LocalMapping) Close(ctx context.Context) error {
	l.RequestFinish()
	l.activeBackgroundWorkers.Wait()
	return nil
}

func (l *LocalMapping) run(ctx context.Context) {
	l.logger.Info("local mapping started")
	for {
		l.SetAcceptKeyFrames(false)

		switch {
		case l.checkNewKeyFrames():
			l.processPipeline(ctx)
		case l.tryStop():
			// paused; idle until released or finished
			for l.IsStopped() && !l.finishRequested() {
				if !goutils.SelectContextOrWait(ctx, pollInterval) {
					l.setFinish()
					return
				}
			}
		}

		l.resetIfRequested()
		l.SetAcceptKeyFrames(true)

		if l.finishRequested() {
			break
		}
		if !goutils.SelectContextOrWait(ctx, pollInterval) {
			break
		}
	}
	l.setFinish()
}

// processPipeline runs every mapping stage for the next queued keyframe.
func (l *LocalMapping) processPipeline(ctx context.Context) {
	kf := l.popKeyFrame()
	if kf == nil {
		return
	}
	l.current = kf

	l.processNewKeyFrame(kf)
	l.cullRecentLandmarks()
	l.createNewLandmarks()
	if !l.checkNewKeyFrames() {
		l.searchInNeighbors()
	}
	l.abortBA.Store(false)
	if !l.checkNewKeyFrames() && !l.stopRequested() {
		if l.ba != nil && l.m.KeyFrameCount() > 2 {
			if err := l.ba.LocalBundleAdjustment(ctx, kf, &l.abortBA); err != nil {
				l.logger.Warnw("local bundle adjustment failed", "keyframe", kf.ID(), "error", err)
			}
		}
		l.keyFrameCulling()
	}
	if l.loop != nil {
		l.loop.InsertKeyFrame(kf)
	}
}

// InsertKeyFrame queues a keyframe for processing and interrupts any running
// bundle adjustment so the pipeline turns around quickly.
func (l *LocalMapping) InsertKeyFrame(kf *pmap.KeyFrame) {
	l.mu.Lock()
	l.queue = append(l.queue, kf)
	l.mu.Unlock()
	l.abortBA.Store(true)
}

// KeyFramesInQueue returns the number of keyframes waiting to be processed.
func (l *LocalMapping) KeyFramesInQueue() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *LocalMapping) checkNewKeyFrames() bool {
	return l.KeyFramesInQueue() > 0
}

func (l *LocalMapping) popKeyFrame() *pmap.KeyFrame {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil
	}
	kf := l.queue[0]
	l.queue = l.queue[1:]
	return kf
}

// AcceptingKeyFrames reports whether the pipeline is idle enough for
// tracking to spawn a new keyframe.
func (l *LocalMapping) AcceptingKeyFrames() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.acceptKeyFrames
}

// SetAcceptKeyFrames flags the backpressure signal read by tracking.
func (l *LocalMapping) SetAcceptKeyFrames(accept bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.acceptKeyFrames = accept
}

// RequestStop asks the run loop to pause before its next keyframe. The loop
// acknowledges by entering the stopped state, observable via IsStopped.
func (l *LocalMapping) RequestStop() {
	l.mu.Lock()
	if l.st == stateRunning {
		l.st = stateStopRequested
	}
	l.mu.Unlock()
	l.abortBA.Store(true)
}

// tryStop completes a pending stop request unless a caller holds the
// pipeline open with SetNotStop.
func (l *LocalMapping) tryStop() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == stateStopRequested && !l.notStop {
		l.st = stateStopped
		l.logger.Info("local mapping stopped")
		return true
	}
	return false
}

// IsStopped reports whether the run loop is paused.
func (l *LocalMapping) IsStopped() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st == stateStopped
}

// stopRequested covers both the pending request and the acknowledged pause.
func (l *LocalMapping) stopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st == stateStopRequested || l.st == stateStopped
}

// Release resumes a paused pipeline, discarding any keyframes queued while
// stopped.
func (l *LocalMapping) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st == stateFinishRequested || l.st == stateFinished {
		return
	}
	l.st = stateRunning
	dropped := len(l.queue)
	l.queue = nil
	l.logger.Infow("local mapping released", "droppedKeyFrames", dropped)
}

// SetNotStop latches the pipeline against stop requests while tracking
// inserts a keyframe. It fails when the pipeline is already stopped.
func (l *LocalMapping) SetNotStop(flag bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if flag && l.st == stateStopped {
		return false
	}
	l.notStop = flag
	return true
}

// InterruptBA asks a running bundle adjustment to return early.
func (l *LocalMapping) InterruptBA() {
	l.abortBA.Store(true)
}

// RequestReset asks the run loop to drop its queue and recent-landmark lists
// and blocks until the loop acknowledges (or ctx ends).
func (l *LocalMapping) RequestReset(ctx context.Context) error {
	l.mu.Lock()
	l.resetPending = true
	l.mu.Unlock()
	for {
		l.mu.Lock()
		pending := l.resetPending
		l.mu.Unlock()
		if !pending {
			return nil
		}
		if !goutils.SelectContextOrWait(ctx, pollInterval) {
			return ctx.Err()
		}
	}
}

func (l *LocalMapping) resetIfRequested() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.resetPending {
		return
	}
	l.queue = nil
	l.recentPoints = nil
	l.recentLines = nil
	l.resetPending = false
	l.logger.Info("local mapping reset")
}

// RequestFinish asks the run loop to exit after the current cycle.
func (l *LocalMapping) RequestFinish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.st != stateFinished {
		l.st = stateFinishRequested
	}
}

func (l *LocalMapping) finishRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st == stateFinishRequested
}

func (l *LocalMapping) setFinish() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.st = stateFinished
	l.logger.Info("local mapping finished")
}

// IsFinished reports whether the run loop has exited.
func (l *LocalMapping) IsFinished() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.st == stateFinished
}
