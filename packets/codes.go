package packets

// CONNACK return codes and generic validation result codes. Only the 0x00
// to 0x05 values are legal on the wire; the 0xFF sentinels classify
// violations which must close the connection without a CONNACK.
const (
	Accepted                      byte = 0x00
	CodeConnectBadProtocolVersion byte = 0x01
	CodeConnectBadClientID        byte = 0x02
	CodeConnectServerUnavailable  byte = 0x03
	CodeConnectBadAuthValues      byte = 0x04
	CodeConnectNotAuthorised      byte = 0x05
	CodeSubscribeFailed           byte = 0x80
	CodeConnectProtocolViolation  byte = 0xFF
	Failed                        byte = 0xFF
)
