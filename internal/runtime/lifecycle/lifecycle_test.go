package lifecycle

import (
	"context"
	"testing"
	"time"
)

func TestStopDrainsTrackedWork(t *testing.T) {
	t.Parallel()

	c := New(context.Background())
	ctx, done, ok := c.Track()
	if !ok {
		t.Fatalf("Track refused before Stop")
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		done()
	}()

	if !c.Stop(time.Second, StopSIGTERM) {
		t.Fatalf("Stop = false, want drained")
	}
	if c.RunContext().Err() == nil {
		t.Fatalf("run context still live after Stop")
	}
	if ctx.Err() == nil {
		t.Fatalf("work context still live after Stop")
	}
	if c.Reason() != StopSIGTERM {
		t.Fatalf("Reason = %q", c.Reason())
	}
	if _, _, ok := c.Track(); ok {
		t.Fatalf("Track accepted work after Stop")
	}
}

func TestStopCancelsWorkAfterGrace(t *testing.T) {
	t.Parallel()

	c := New(context.Background())
	ctx, done, _ := c.Track()
	go func() {
		<-ctx.Done()
		done()
	}()

	start := time.Now()
	if c.Stop(30*time.Millisecond, StopAppStop) {
		t.Fatalf("Stop = true, want timeout")
	}
	if time.Since(start) > time.Second {
		t.Fatalf("Stop took too long")
	}
}

func TestWorkContextSurvivesParentCancel(t *testing.T) {
	t.Parallel()

	parent, cancel := context.WithCancel(context.Background())
	c := New(parent)
	cancel()

	if c.RunContext().Err() == nil {
		t.Fatalf("run context should follow parent")
	}
	if c.WorkContext().Err() != nil {
		t.Fatalf("work context should outlive parent until Stop")
	}
	c.Stop(0, StopSIGINT)
	if c.WorkContext().Err() == nil {
		t.Fatalf("work context live after Stop")
	}
}
