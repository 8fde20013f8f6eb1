package protocol

const (
	// ServiceUUID identifies the single GATT service shared by both roles.
	ServiceUUID = "6E33748B-D176-4D38-A962-8947ECEC8271"
	// CharacteristicUUID is the write+notify characteristic carrying frames.
	CharacteristicUUID = "F026CBE5-A1DB-44FB-9E2F-E55FDB94B293"
	// ManufacturerID tags manufacturer-specific advertisement payloads.
	ManufacturerID uint16 = 0xFFFF

	// HandshakeToken is sent by the peripheral once a central subscribes.
	HandshakeToken = "ready"

	// ATTHeaderLen is the ATT opcode+handle overhead inside one MTU.
	ATTHeaderLen = 3
	// DefaultMTU is the ATT_MTU every link starts with.
	DefaultMTU = 23
	// RequestedMTU is asked for before notifications are enabled.
	RequestedMTU = 185
	// MinChunkLength is the payload that fits the default MTU.
	MinChunkLength = DefaultMTU - ATTHeaderLen
	// DefaultMaxChunkLength caps frames even when a larger MTU is negotiated.
	DefaultMaxChunkLength = 180
)

// Role names which side of the GATT link a session plays.
type Role string

const (
	RoleCentral    Role = "central"
	RolePeripheral Role = "peripheral"
)

func (r Role) String() string {
	return string(r)
}

// ChunkLengthForMTU returns the usable frame size for a negotiated ATT_MTU,
// capped at max. MTUs at or below the default fall back to MinChunkLength.
func ChunkLengthForMTU(mtu, max int) int {
	if max < 1 {
		max = DefaultMaxChunkLength
	}
	n := mtu - ATTHeaderLen
	if mtu <= DefaultMTU {
		n = MinChunkLength
	}
	if n > max {
		n = max
	}
	return n
}
