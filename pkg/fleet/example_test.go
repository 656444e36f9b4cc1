package fleet_test

import (
	"context"
	"fmt"

	"github.com/bft-labs/camfleet/internal/adapters/sim"
	"github.com/bft-labs/camfleet/pkg/device"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/gopro"
	"github.com/bft-labs/camfleet/pkg/state"
)

// ExampleOrchestrator_ExecuteAll triggers the shutter on every connected camera.
func ExampleOrchestrator_ExecuteAll() {
	net := sim.NewNetwork()
	net.Add("1111")
	net.Add("2222")
	defer net.Close()

	o := fleet.New(net, state.NewMemoryRepository(), fleet.DefaultConfig())
	ctx := context.Background()
	defer o.DisconnectAll(ctx)

	// 3333 is not in range; the other two connect anyway.
	results := o.ConnectAll(ctx, []string{"1111", "2222", "3333"}, nil, 2)
	fmt.Println("3333 failed:", results["3333"].Err != nil)

	outcomes, err := o.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
		return s.Send(ctx, gopro.Shutter{On: true})
	}, fleet.ExecOptions{})
	if err != nil {
		fmt.Println("execute:", err)
		return
	}
	fmt.Println("shutter sent to", len(outcomes), "cameras")
	fmt.Println("recording:", net.Camera("1111").Shutter(), net.Camera("2222").Shutter())

	// Output:
	// 3333 failed: true
	// shutter sent to 2 cameras
	// recording: true true
}
