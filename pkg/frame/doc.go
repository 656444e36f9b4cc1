// Package frame splits logical messages into BLE-sized packets and
// reassembles inbound packets into messages.
//
// The first byte of every packet is a header. Bit 7 marks a continuation
// packet. Start packets carry the declared message length in one of three
// layouts selected by bits 6-5:
//
//	00  general   length in bits 4-0             (< 32 bytes)
//	01  ext-13    length in bits 4-0 + byte 1    (< 8192 bytes)
//	10  ext-16    length in bytes 1-2            (< 65536 bytes)
//
// Encode always emits ext-13 or ext-16 headers; the Assembler accepts all three.
// Some BLE stacks split an extended header across two notifications, so a
// start packet shorter than its header is held until the next one arrives.
//
// # Usage
//
//	packets, err := frame.Encode(msg, frame.DefaultLimits())
//
//	a := frame.NewAssembler(frame.DefaultLimits())
//	for _, p := range packets {
//	    msg, complete, err := a.Feed(p)
//	    ...
//	}
//
// Framing violations (orphan continuation, start during assembly, overflow)
// are reported as errors matching domain.ErrFraming and never produce a
// truncated or corrupted message.
package frame
