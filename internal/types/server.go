package types

// ServerStatus indicates the current server transaction status, carried by
// every ReadyForQuery message. Possible values are 'I' if idle (not in a
// transaction block); 'T' if in a transaction block; or 'E' if in a failed
// transaction block (queries will be rejected until the block is ended).
type ServerStatus byte

const (
	ServerIdle              ServerStatus = 'I'
	ServerTransactionBlock  ServerStatus = 'T'
	ServerTransactionFailed ServerStatus = 'E'
)

func (s ServerStatus) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerTransactionBlock:
		return "in-transaction"
	case ServerTransactionFailed:
		return "failed-transaction"
	default:
		return "unknown"
	}
}
