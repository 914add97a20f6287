package protocol

// Command id space is partitioned into fixed ranges. Every request X has a
// response X_RESP at the next odd id.
const (
	StatusCodeMin = 48
	StatusCodeMax = 63

	SystemCommandMin = 64
	SystemCommandMax = 79

	GPIOCommandMin = 80
	GPIOCommandMax = 95

	ConsoleCommandMin = 96
	ConsoleCommandMax = 111

	DatastoreCommandMin = 112
	DatastoreCommandMax = 127

	MailboxCommandMin = 128
	MailboxCommandMax = 143

	FilesystemCommandMin = 144
	FilesystemCommandMax = 159

	ProcessCommandMin = 160
	ProcessCommandMax = 175
)

// Status codes, 48-63.
const (
	StatusOK              uint16 = 48
	StatusError           uint16 = 49
	StatusCmdUnknown      uint16 = 50
	StatusMalformed       uint16 = 51
	StatusOverflow        uint16 = 52
	StatusCRCMismatch     uint16 = 53
	StatusTimeout         uint16 = 54
	StatusNotImplemented  uint16 = 55
	StatusACK             uint16 = 56
)

// StatusName returns the symbolic name for a status code, or a hex fallback.
func StatusName(status uint16) string {
	switch status {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusCmdUnknown:
		return "CMD_UNKNOWN"
	case StatusMalformed:
		return "MALFORMED"
	case StatusOverflow:
		return "OVERFLOW"
	case StatusCRCMismatch:
		return "CRC_MISMATCH"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusNotImplemented:
		return "NOT_IMPLEMENTED"
	case StatusACK:
		return "ACK"
	default:
		return "0x" + hex16(status)
	}
}

func hex16(v uint16) string {
	const digits = "0123456789ABCDEF"
	return string([]byte{digits[(v>>12)&0xF], digits[(v>>8)&0xF], digits[(v>>4)&0xF], digits[v&0xF]})
}

// failureStatusCodes are status frames that can fail a tracked command.
var failureStatusCodes = map[uint16]struct{}{
	StatusError:          {},
	StatusCmdUnknown:     {},
	StatusMalformed:      {},
	StatusOverflow:       {},
	StatusCRCMismatch:    {},
	StatusTimeout:        {},
	StatusNotImplemented: {},
}

// IsFailureStatus reports whether status is one of the failure-signalling
// status codes consulted by the flow controller.
func IsFailureStatus(status uint16) bool {
	_, ok := failureStatusCodes[status]
	return ok
}

// successStatusCodes complete a tracked command with no expected response.
var successStatusCodes = map[uint16]struct{}{
	StatusOK: {},
}

// IsSuccessStatus reports whether status alone (absent an expected response)
// completes a tracked command successfully.
func IsSuccessStatus(status uint16) bool {
	_, ok := successStatusCodes[status]
	return ok
}

// Command ids, grouped by partition. Requests pair with CMD_*_RESP at the
// next odd id except where noted.
const (
	CmdGetVersion         uint16 = 64
	CmdGetVersionResp     uint16 = 65
	CmdGetFreeMemory      uint16 = 66
	CmdGetFreeMemoryResp  uint16 = 67
	CmdLinkSync           uint16 = 68
	CmdLinkSyncResp       uint16 = 69
	CmdLinkReset          uint16 = 70
	CmdLinkResetResp      uint16 = 71
	CmdGetCapabilities    uint16 = 72
	CmdGetCapabilitiesResp uint16 = 73
	CmdSetBaudrate        uint16 = 74
	CmdSetBaudrateResp    uint16 = 75
	CmdXoff               uint16 = 78
	CmdXon                uint16 = 79

	CmdSetPinMode      uint16 = 80
	CmdDigitalWrite    uint16 = 81
	CmdAnalogWrite     uint16 = 82
	CmdDigitalRead     uint16 = 83
	CmdAnalogRead      uint16 = 84
	CmdDigitalReadResp uint16 = 85
	CmdAnalogReadResp  uint16 = 86

	CmdConsoleWrite uint16 = 96

	CmdDatastorePut        uint16 = 112
	CmdDatastoreGet        uint16 = 113
	CmdDatastoreGetResp    uint16 = 114

	CmdMailboxRead            uint16 = 128
	CmdMailboxProcessed       uint16 = 129
	CmdMailboxAvailable       uint16 = 130
	CmdMailboxPush            uint16 = 131
	CmdMailboxReadResp        uint16 = 132
	CmdMailboxAvailableResp   uint16 = 133

	CmdFileWrite     uint16 = 144
	CmdFileRead      uint16 = 145
	CmdFileRemove    uint16 = 146
	CmdFileReadResp  uint16 = 147

	CmdProcessRun          uint16 = 160
	CmdProcessRunAsync     uint16 = 161
	CmdProcessPoll         uint16 = 162
	CmdProcessKill         uint16 = 163
	CmdProcessRunResp      uint16 = 164
	CmdProcessRunAsyncResp uint16 = 165
	CmdProcessPollResp     uint16 = 166
)

// ackOnlyCommands complete on STATUS_ACK alone; they carry no CMD_*_RESP.
var ackOnlyCommands = map[uint16]struct{}{
	CmdSetPinMode:    {},
	CmdDigitalWrite:  {},
	CmdAnalogWrite:   {},
	CmdConsoleWrite:  {},
	CmdDatastorePut:  {},
	CmdMailboxPush:   {},
	CmdFileWrite:     {},
}

// IsAckOnly reports whether commandID is tracked purely via STATUS_ACK.
func IsAckOnly(commandID uint16) bool {
	_, ok := ackOnlyCommands[commandID]
	return ok
}

// responseOnlyCommands skip the ACK phase: the MCU answers directly with
// CMD_*_RESP, no prior STATUS_ACK.
var responseOnlyCommands = map[uint16]struct{}{
	CmdGetVersion:      {},
	CmdGetFreeMemory:   {},
	CmdGetCapabilities: {},
	CmdDigitalRead:     {},
	CmdAnalogRead:      {},
}

// IsResponseOnly reports whether commandID skips the ACK phase.
func IsResponseOnly(commandID uint16) bool {
	_, ok := responseOnlyCommands[commandID]
	return ok
}

// requestToResponse maps a request command id to its CMD_*_RESP id.
var requestToResponse = map[uint16]uint16{
	CmdGetVersion:      CmdGetVersionResp,
	CmdGetFreeMemory:   CmdGetFreeMemoryResp,
	CmdLinkSync:        CmdLinkSyncResp,
	CmdLinkReset:       CmdLinkResetResp,
	CmdGetCapabilities: CmdGetCapabilitiesResp,
	CmdSetBaudrate:     CmdSetBaudrateResp,
	CmdDigitalRead:     CmdDigitalReadResp,
	CmdAnalogRead:      CmdAnalogReadResp,
	CmdDatastoreGet:    CmdDatastoreGetResp,
	CmdMailboxRead:     CmdMailboxReadResp,
	CmdMailboxAvailable: CmdMailboxAvailableResp,
	CmdFileRead:        CmdFileReadResp,
	CmdProcessRun:      CmdProcessRunResp,
	CmdProcessRunAsync: CmdProcessRunAsyncResp,
	CmdProcessPoll:     CmdProcessPollResp,
}

var responseToRequest = invertResponseTable()

func invertResponseTable() map[uint16]uint16 {
	inv := make(map[uint16]uint16, len(requestToResponse))
	for req, resp := range requestToResponse {
		inv[resp] = req
	}
	return inv
}

// ExpectedResponse returns the CMD_*_RESP id a tracked request expects, and
// whether that request carries any expected response at all.
func ExpectedResponse(commandID uint16) (uint16, bool) {
	resp, ok := requestToResponse[commandID]
	return resp, ok
}

// ResponseToRequest maps a CMD_*_RESP id back to its originating request id.
func ResponseToRequest(commandID uint16) (uint16, bool) {
	req, ok := responseToRequest[commandID]
	return req, ok
}
