// Package device composes the link, credential, secure and health layers
// into one session per camera.
//
// A Session moves through the lifecycle states Unbound, LinkConnecting,
// LinkReady, Provisioning, SecureReady, Degraded and Closed. Connect opens
// the link and binds a stored credential when one exists; ProvisionNetwork
// obtains a new one. Send runs opaque link commands and Do runs HTTP requests
// over the secure session.
//
//	s := device.NewSession("1234", transport, store, device.DefaultConfig(),
//		device.WithLogger(logger))
//	if err := s.Connect(ctx); err != nil {
//		return err
//	}
//	defer s.Close(ctx)
//	if _, err := s.Send(ctx, gopro.Shutter{On: true}); err != nil {
//		return err
//	}
//
// Once a credential is bound, a health supervisor probes the secure session
// when it is idle. After repeated failures the session is Degraded and one
// recovery is attempted; if that fails, Do returns *domain.DegradedError.
package device
