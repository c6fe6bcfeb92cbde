//go:build linux && integration

package hotplug

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestMonitorIntegration needs a real uevent: run with
// go test -tags=integration -run TestMonitorIntegration and replug the
// sensor within 30 seconds. TOFNODE_HOTPLUG_NODE names the node that should
// be reported, e.g. /dev/video0.
func TestMonitorIntegration(t *testing.T) {
	want := os.Getenv("TOFNODE_HOTPLUG_NODE")

	m, err := NewMonitor()
	if err != nil {
		t.Fatalf("NewMonitor() error: %v", err)
	}
	defer m.Close()
	m.AddSubsystemFilter(SubsystemVideo4Linux)
	m.AddSubsystemFilter(SubsystemMedia)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	events := make(chan Event, 10)
	go func() { _ = m.Run(ctx, events) }()

	for {
		select {
		case ev := <-events:
			t.Logf("%s %s %s (%s)", ev.Action, ev.Subsystem, ev.Node(), ev.KObj)
			if want == "" || ev.Affects(want) {
				return
			}
		case <-ctx.Done():
			t.Skip("no matching uevent received")
		}
	}
}
