package frame

// Assembler reassembles inbound packets into logical messages.
// It is not safe for concurrent use; one Assembler serves one notify stream.
type Assembler struct {
	limits     Limits
	buf        []byte
	declared   int
	assembling bool

	// header holds a start header split across packets by the BLE stack.
	header []byte
}

// NewAssembler creates an Assembler with the given limits.
func NewAssembler(limits Limits) *Assembler {
	return &Assembler{limits: limits.normalized()}
}

// Feed consumes one packet. When the declared length is reached it returns
// the message with complete set; otherwise more packets are needed.
//
// A start packet too short to hold its own header is kept and completed
// from the next packet. Any framing error discards the partial assembly.
func (a *Assembler) Feed(pkt []byte) (msg []byte, complete bool, err error) {
	if len(pkt) == 0 {
		return nil, false, ErrEmptyPacket
	}
	if len(a.header) > 0 {
		pkt = append(a.header, pkt...)
		a.header = nil
	}

	if IsContinuation(pkt) {
		if !a.assembling {
			return nil, false, ErrOrphanContinuation
		}
		return a.append(pkt[1:])
	}

	if a.assembling {
		a.Reset()
		return nil, false, ErrUnexpectedStart
	}

	if len(pkt) < headerLen(pkt[0]) {
		a.header = append([]byte(nil), pkt...)
		return nil, false, nil
	}

	declared, chunk, err := decodeStart(pkt)
	if err != nil {
		return nil, false, err
	}
	if declared > a.limits.MaxMessage {
		return nil, false, ErrMessageTooLarge
	}

	a.assembling = true
	a.declared = declared
	a.buf = make([]byte, 0, declared)
	return a.append(chunk)
}

func (a *Assembler) append(chunk []byte) ([]byte, bool, error) {
	if len(a.buf)+len(chunk) > a.declared {
		a.Reset()
		return nil, false, ErrOverflow
	}
	a.buf = append(a.buf, chunk...)
	if len(a.buf) < a.declared {
		return nil, false, nil
	}
	msg := a.buf
	a.Reset()
	return msg, true, nil
}

// Reset abandons any partial assembly.
func (a *Assembler) Reset() {
	a.buf = nil
	a.declared = 0
	a.assembling = false
	a.header = nil
}

// Active reports whether an assembly or a split header is in progress.
func (a *Assembler) Active() bool {
	return a.assembling || len(a.header) > 0
}
