package circuit

// EndReason is the one-byte RELAY_END reason code (tor-spec §6.3), used by
// both the circuit reactor (to classify why a stream closed) and the SOCKS
// front-end (to map a stream failure onto a SOCKS reply code).
type EndReason uint8

const (
	EndReasonMisc            EndReason = 1
	EndReasonResolveFailed   EndReason = 2
	EndReasonConnectRefused  EndReason = 3
	EndReasonExitPolicy      EndReason = 4
	EndReasonDestroy         EndReason = 5
	EndReasonDone            EndReason = 6
	EndReasonTimeout         EndReason = 7
	EndReasonNoRoute         EndReason = 8
	EndReasonHibernating     EndReason = 9
	EndReasonInternal        EndReason = 10
	EndReasonResourceLimit   EndReason = 11
	EndReasonConnReset       EndReason = 12
	EndReasonTorProtocol     EndReason = 13
	EndReasonNotDirectory    EndReason = 14
)

func (r EndReason) String() string {
	switch r {
	case EndReasonMisc:
		return "MISC"
	case EndReasonResolveFailed:
		return "RESOLVEFAILED"
	case EndReasonConnectRefused:
		return "CONNECTREFUSED"
	case EndReasonExitPolicy:
		return "EXITPOLICY"
	case EndReasonDestroy:
		return "DESTROY"
	case EndReasonDone:
		return "DONE"
	case EndReasonTimeout:
		return "TIMEOUT"
	case EndReasonNoRoute:
		return "NOROUTE"
	case EndReasonHibernating:
		return "HIBERNATING"
	case EndReasonInternal:
		return "INTERNAL"
	case EndReasonResourceLimit:
		return "RESOURCELIMIT"
	case EndReasonConnReset:
		return "CONNRESET"
	case EndReasonTorProtocol:
		return "TORPROTOCOL"
	case EndReasonNotDirectory:
		return "NOTDIRECTORY"
	default:
		return "UNKNOWN"
	}
}

// StreamEndError wraps an EndReason so SOCKS (and any other caller) can
// type-switch on it instead of parsing the fmt.Errorf string the reactor
// used to return for every RELAY_END.
type StreamEndError struct {
	Reason EndReason
}

func (e *StreamEndError) Error() string {
	return "stream ended: reason=" + e.Reason.String()
}
