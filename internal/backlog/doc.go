// Package backlog stores the bounded per-channel history that long-poll
// connections replay from.
//
// Two implementations share the Store contract:
//
//   - MemoryStore keeps entries in process and loses them on restart.
//   - PebbleStore persists entries under the keyspace
//     bl/{partition}\x00ch/{channel}\x00m          (last channel sequence)
//     bl/{partition}\x00ch/{channel}\x00e/{seq_be8} (entries)
//     bl/_global                                  (bus sequence lease)
//
// Records are stored as: varint headerLen | header | payload | crc32c(header|payload),
// where the header carries the bus sequence, the publish time in ms and the
// JSON encoded delivery targets.
//
// Appends on one channel are serialized by that channel's lock; appends on
// different channels proceed in parallel. Flush takes the partition lock.
package backlog
