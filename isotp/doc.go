// Package isotp implements the ISO-TP style segmented transport used by
// ThingSet service frames on CAN.
//
// Messages of up to 7 bytes travel in a Single frame. Longer messages, up to
// 4095 bytes, start with a First frame and continue in Consecutive frames
// numbered modulo 16; the receiver paces the sender with FlowControl frames.
// As a receiver the transport always grants Continue with no block limit and
// no separation time. Consecutive frames that arrive out of order are dropped
// without notifying the peer, so a lost frame stalls the transfer until the
// next First frame.
package isotp
