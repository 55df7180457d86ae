package domaininfo

import "fmt"

// SecLevel is the security level of a connection with a domain, used to
// prevent downgrade attacks: once a domain has been seen at a given level,
// lower levels are no longer acceptable.
type SecLevel int32

// Security levels, in increasing strictness. Incoming connections use
// PLAIN and TLS_CLIENT; outgoing connections use PLAIN, TLS_INSECURE and
// TLS_SECURE.
const (
	SecLevel_PLAIN        SecLevel = 0
	SecLevel_TLS_CLIENT   SecLevel = 1
	SecLevel_TLS_INSECURE SecLevel = 2
	SecLevel_TLS_SECURE   SecLevel = 3
)

var secLevelName = map[SecLevel]string{
	SecLevel_PLAIN:        "PLAIN",
	SecLevel_TLS_CLIENT:   "TLS_CLIENT",
	SecLevel_TLS_INSECURE: "TLS_INSECURE",
	SecLevel_TLS_SECURE:   "TLS_SECURE",
}

func (s SecLevel) String() string {
	if name, ok := secLevelName[s]; ok {
		return name
	}
	return fmt.Sprintf("SecLevel(%d)", int32(s))
}

// Domain is the information we keep about a single domain.
type Domain struct {
	Name string `json:"name"`

	IncomingSecLevel SecLevel `json:"incoming_sec_level"`
	OutgoingSecLevel SecLevel `json:"outgoing_sec_level"`
}
