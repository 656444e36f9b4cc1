package gopro

import (
	"fmt"

	"github.com/bft-labs/camfleet/pkg/link"
)

// ControlService is the BLE service exposing the command and query characteristics.
const ControlService = "0000fea6-0000-1000-8000-00805f9b34fb"

// NamePrefix prefixes the advertised name of every camera; the remainder is
// the device identifier.
const NamePrefix = "GoPro "

func vendorUUID(short string) string {
	return fmt.Sprintf("b5f9%s-aa8d-11e3-9046-0002a5d5c51b", short)
}

// Characteristic UUIDs.
var (
	CommandUUID          = vendorUUID("0072")
	CommandResponseUUID  = vendorUUID("0073")
	SettingsUUID         = vendorUUID("0074")
	SettingsResponseUUID = vendorUUID("0075")
	QueryUUID            = vendorUUID("0076")
	QueryResponseUUID    = vendorUUID("0077")
	NetworkUUID          = vendorUUID("0091")
	NetworkResponseUUID  = vendorUUID("0092")
)

// Request channels.
var (
	ChannelCommand  = link.Channel{Name: "command", Write: CommandUUID, Notify: CommandResponseUUID}
	ChannelSettings = link.Channel{Name: "settings", Write: SettingsUUID, Notify: SettingsResponseUUID}
	ChannelQuery    = link.Channel{Name: "query", Write: QueryUUID, Notify: QueryResponseUUID}
	ChannelNetwork  = link.Channel{Name: "network", Write: NetworkUUID, Notify: NetworkResponseUUID}
)

// Channels returns every channel a link session must subscribe to.
func Channels() []link.Channel {
	return []link.Channel{ChannelCommand, ChannelSettings, ChannelQuery, ChannelNetwork}
}
