// Package mqtt carries chat over an MQTT broker.
//
// Clients publish chat.Frame JSON to <prefix>/in/<user_id>. Replies,
// edits, deletes and confirmation prompts for that user go to
// <prefix>/out/<user_id>, and pipeline events are republished to
// <prefix>/events. A retained "online" on <prefix>/status is published
// on every (re-)connect; the will message flips it to "offline".
//
// Connection management uses Eclipse Paho v2's [autopaho] package,
// which reconnects on its own and re-runs the subscribe on every
// connection.
package mqtt
