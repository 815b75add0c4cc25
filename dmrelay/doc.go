// Package dmrelay implements a small web service which collects Discord
// bot tokens, and uses them to list guilds and guild members, send direct
// messages to one user or many, and relay replies to a live feed.
//
// Key components of the package include:
//
//   - DMRelay: Wires the components together, and manages startup and
//     graceful shutdown.
//   - Discord: Creates short-lived discordgo sessions, released on every
//     exit path, for lookups and dispatch.
//   - Store: Persists token submissions, replies, dispatch logs and
//     application users. Backed by GORM (sqlite or postgres), with an
//     in-memory fallback.
//   - ReplyListeners: Long-lived gateway sessions which ingest replies to
//     the bot's messages.
//   - ReplyHub: Broadcasts new replies to websocket subscribers.
//   - API: The gin HTTP API.
//
// Bulk dispatch sends to each target sequentially over a single session,
// with an optional pause between sends. Failures for individual targets
// are recorded, and never stop the batch. Bot accounts are skipped.
package dmrelay
