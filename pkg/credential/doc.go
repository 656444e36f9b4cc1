// Package credential models the network identity a device issues for itself
// and drives the provisioning sequence that obtains it.
//
// A Manager walks one device through Requesting, AwaitingDeviceAck, Polling
// and Fetching. Only a complete, validated credential is written to the Store.
// Reset is explicit: devices retain their certificate across power cycles and
// give no signal when it goes stale, so nothing here clears it on its own.
package credential
