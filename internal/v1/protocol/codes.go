package protocol

// WebSocket close codes used across inbound connections and the outbound
// bridge. 1000/1001 are standard; 4xxx are application-defined.
const (
	CloseNormal            = 1000
	CloseRoomClosed        = 1001
	CloseProtocolViolation = 4001
	CloseTimeout           = 4002
	CloseBackpressure      = 4003
	CloseAuthRejected      = 4403
)

// CloseText returns the reason string sent alongside a close code.
func CloseText(code int) string {
	switch code {
	case CloseNormal:
		return "normal closure"
	case CloseRoomClosed:
		return "room closed"
	case CloseProtocolViolation:
		return "protocol violation"
	case CloseTimeout:
		return "timeout"
	case CloseBackpressure:
		return "backpressure exceeded"
	case CloseAuthRejected:
		return "auth rejected"
	default:
		return "closed"
	}
}
