package rcon

// ErrorKind classifies a failed rcon exchange. The zero value means no error.
type ErrorKind int

const (
	ErrConnection ErrorKind = iota + 1 // socket send failed
	ErrBadRcon                         // server rejected the password
	ErrNoReply                         // nothing came back before the timeout
	ErrNoRcon                          // server has no rcon password set
)

const (
	badRconReply = "Bad rconpassword."
	noRconReply  = "No rconpassword set on the server."
)

func (k ErrorKind) Error() string {
	switch k {
	case 0:
		return "no error"
	case ErrConnection:
		return "connection error"
	case ErrBadRcon:
		return "bad rcon password"
	case ErrNoReply:
		return "no reply"
	case ErrNoRcon:
		return "no rcon password set on the server"
	default:
		return "unknown rcon error"
	}
}

// String returns the short label used in logs and metrics
func (k ErrorKind) String() string {
	switch k {
	case 0:
		return "ok"
	case ErrConnection:
		return "E_CONNECTION"
	case ErrBadRcon:
		return "E_BADRCON"
	case ErrNoReply:
		return "E_NOREPLY"
	case ErrNoRcon:
		return "E_NORCON"
	default:
		return "E_UNKNOWN"
	}
}

// classifyReply maps a sentinel reply body to its error kind
func classifyReply(body string) ErrorKind {
	switch trimReply(body) {
	case badRconReply:
		return ErrBadRcon
	case noRconReply:
		return ErrNoRcon
	}
	return 0
}
