// # Call signaling and session lifecycle for two-party voice/video calls
//
// This package implements the call controller used by the marketplace apps: it establishes a direct audio/video connection between two peers that cannot address each other directly, exchanging connection-setup messages over a per-user relay inbox before media flows peer-to-peer. Voice and video calls share one state machine; a video call just carries an extra media track.
package callkit
