// Package mqtt publishes the device to Home Assistant over MQTT
// discovery. The bridge appears as one HA device carrying battery,
// charging, temperature and bridge uptime entities.
//
// The publisher uses Eclipse Paho v2's [autopaho] package for
// connection management with automatic reconnection. On every
// (re-)connect it publishes retained discovery config payloads and a
// birth message ("online") on the bridge availability topic. A will
// message flips that topic to "offline" on unexpected disconnects.
//
// Device entities also depend on a second availability topic that
// follows the health watcher, so HA greys them out while the M5Stick
// is unreachable even though the bridge is still connected.
package mqtt
