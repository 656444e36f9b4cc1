// Package fleet runs many camera sessions side by side.
//
// An Orchestrator keeps a registry of device sessions keyed by device id.
// Batch operations fan out with golang.org/x/sync/errgroup and isolate
// failures: one camera failing to connect or to run an operation never
// aborts the others, and each device gets its own result.
//
//	o := fleet.New(transport, store, fleet.DefaultConfig(), fleet.WithLogger(logger))
//	results := o.ConnectAll(ctx, []string{"1234", "5678"}, &fleet.NetworkCredentials{
//		SSID:     "studio",
//		Password: password,
//	}, 0)
//	for id, r := range results {
//		if r.Err != nil {
//			logger.Warn("connect failed", log.Device(id), log.Err(r.Err))
//		}
//	}
//	outcomes, err := o.ExecuteAll(ctx, func(ctx context.Context, s *device.Session) (any, error) {
//		return s.Send(ctx, gopro.Shutter{On: true})
//	}, fleet.ExecOptions{})
//	defer o.DisconnectAll(ctx)
//
// # Plugins
//
// Optional behavior is added with [WithPlugin]. Plugins receive a
// [PluginConfig] from Start and are shut down in reverse order by Stop.
// The credwatch plugin, for example, reloads credentials edited on disk.
package fleet
