// Package gopro encodes the camera's BLE protocol: characteristic UUIDs,
// request channels, the protobuf messages used for network provisioning and
// the small TLV command set.
//
// Protobuf bodies are hand-encoded with protowire; the messages are small and
// fixed, and only the fields the provisioning flow reads are decoded.
//
// Client implements credential.Protocol over any Requester, normally a
// *link.Session:
//
//	c := gopro.NewClient(sess, 5*time.Second)
//	st, err := c.Status(ctx)
//
// Shutter, Sleep, KeepAlive and SetCOHN are commands suitable for
// device.Session.Send.
package gopro
