package mailbox

import "strconv"

// MessageRef identifies one message returned by a search. A UID is only
// stable for one mailbox and UIDVALIDITY, so both are part of the key.
type MessageRef struct {
	Account  string
	Mailbox  string
	Validity uint32
	UID      uint32
}

// Key is the process-wide dedupe key for the message. A ref without a
// mailbox keys on account and UID alone.
func (r MessageRef) Key() string {
	uid := strconv.FormatUint(uint64(r.UID), 10)
	if r.Mailbox == "" {
		return r.Account + ":" + uid
	}
	return r.Account + ":" + r.Mailbox + ":" + strconv.FormatUint(uint64(r.Validity), 10) + ":" + uid
}
