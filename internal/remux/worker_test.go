package remux

import (
	"log/slog"
	"testing"
	"time"

	"github.com/jcharest/foscam-gateway/internal/pipe"
)

func TestReleaserUnwindsInLIFOOrder(t *testing.T) {
	var order []int
	var r releaser
	r.push(func() { order = append(order, 1) })
	r.push(func() { order = append(order, 2) })
	r.push(func() { order = append(order, 3) })

	r.release()

	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("release order length = %d, want %d", len(order), len(want))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("release order = %v, want %v", order, want)
		}
	}
}

func TestWaitForProbeThresholdReturnsTrueOnceBuffered(t *testing.T) {
	w := &Worker{
		videoIn:   pipe.New(probeSize * 2),
		probeSize: probeSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       slog.Default(),
	}
	w.videoIn.Push(make([]byte, probeSize))

	if !w.waitForProbeThreshold() {
		t.Fatal("expected waitForProbeThreshold to return true once probeSize bytes are buffered")
	}
}

func TestWaitForProbeThresholdAbortsOnStop(t *testing.T) {
	w := &Worker{
		videoIn:   pipe.New(probeSize * 2),
		probeSize: probeSize,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		log:       slog.Default(),
	}

	done := make(chan bool, 1)
	go func() { done <- w.waitForProbeThreshold() }()

	time.Sleep(20 * time.Millisecond)
	close(w.stop)

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected waitForProbeThreshold to return false after stop")
		}
	case <-time.After(time.Second):
		t.Fatal("waitForProbeThreshold did not return after stop")
	}
}

// TestRunExitsBeforeInitializingWithoutProbeData verifies Run() never
// reaches initialize (and therefore never touches astiav) when Stop is
// called before video_in accumulates a full probe.
func TestRunExitsBeforeInitializingWithoutProbeData(t *testing.T) {
	w := New(pipe.New(probeSize*2), pipe.New(4096), pipe.New(4096), 15, slog.Default())

	runDone := make(chan struct{})
	go func() {
		w.Run()
		close(runDone)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Stop()

	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}
