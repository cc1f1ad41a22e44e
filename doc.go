// # Real-Time Telephony Voice Agent Bridge
//
// This repository provides a Go service that answers phone calls and holds a spoken conversation with the caller. It terminates the carrier's media stream over WebSocket, streams the caller's audio to a speech recognizer, turns finalized utterances into replies through a dialogue policy, and plays synthesized speech back into the call. Each call is one session with a strict lifecycle, and a management API exposes live calls and agent configuration.
package callbridge
