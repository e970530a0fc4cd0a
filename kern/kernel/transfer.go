package kernel

// faultMessageLength is the number of message words a fault carries:
// the faulting IP, the fault address, and the fault code.
const faultMessageLength = 3

// doIPCTransfer moves a message from sender to receiver: a fault message if
// sender has a pending fault, its own message otherwise. ep is nil for
// replies.
func (k *Kernel) doIPCTransfer(sender *TCB, ep *Endpoint, badge uint64, grant bool, receiver *TCB) {
	if sender.fault.Kind == FaultNone {
		k.doNormalTransfer(sender, ep, badge, grant, receiver)
		return
	}
	k.doFaultTransfer(sender, badge, receiver)
}

func (k *Kernel) doNormalTransfer(sender *TCB, ep *Endpoint, badge uint64, grant bool, receiver *TCB) {
	info := sender.Regs.MsgInfo

	var caps []Capability
	if grant && sender.Buffer != nil {
		n := info.ExtraCaps
		if n > MaxExtraCaps {
			n = MaxExtraCaps
		}
		caps = sender.Buffer.ExtraCaps[:n]
	}

	length := copyMRs(sender, receiver, info.Length)
	info = transferCaps(info, caps, ep, receiver)
	info.Length = length

	receiver.Regs.MsgInfo = info
	receiver.Regs.Badge = badge
}

// copyMRs copies n message words: the first MsgRegisters through the
// register files, the rest through both IPC buffers when both exist. It
// returns the number of words copied.
func copyMRs(sender, receiver *TCB, n int) int {
	if n > MaxMessageWords {
		n = MaxMessageWords
	}
	i := 0
	for ; i < n && i < MsgRegisters; i++ {
		receiver.Regs.Msg[i] = sender.Regs.Msg[i]
	}
	if sender.Buffer == nil || receiver.Buffer == nil {
		return i
	}
	for ; i < n; i++ {
		receiver.Buffer.Msg[i] = sender.Buffer.Msg[i]
	}
	return i
}

// transferCaps hands over the sender's extra caps. Endpoint caps naming the
// endpoint the message travels through are unwrapped to their badge; at most
// one other cap is stored in the receiver's receive slot, and transfer stops
// at the first cap that cannot be delivered.
func transferCaps(info MessageInfo, caps []Capability, ep *Endpoint, receiver *TCB) MessageInfo {
	info.ExtraCaps = 0
	info.CapsUnwrapped = 0
	buf := receiver.Buffer
	if len(caps) == 0 || caps[0].Kind == CapNull || buf == nil {
		return info
	}

	slot := buf.RecvSlot
	if slot != nil && slot.Kind != CapNull {
		slot = nil
	}

	i := 0
	for ; i < len(caps) && caps[i].Kind != CapNull; i++ {
		c := caps[i]
		if ep != nil && c.Kind == CapEndpoint && EndpointID(c.Object) == ep.id {
			buf.CapsOrBadges[i] = c.Badge
			info.CapsUnwrapped |= 1 << uint(i)
			continue
		}
		if slot == nil {
			break
		}
		*slot = c
		slot = nil
	}
	info.ExtraCaps = i
	return info
}

// doFaultTransfer delivers sender's fault as a message labelled with the
// fault kind.
func (k *Kernel) doFaultTransfer(sender *TCB, badge uint64, receiver *TCB) {
	f := sender.fault
	receiver.Regs.Msg[0] = sender.Regs.FaultIP
	receiver.Regs.Msg[1] = f.Addr
	receiver.Regs.Msg[2] = f.Code
	receiver.Regs.MsgInfo = MessageInfo{Label: uint64(f.Kind), Length: faultMessageLength}
	receiver.Regs.Badge = badge
}
